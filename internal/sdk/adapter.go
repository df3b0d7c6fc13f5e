// Package sdk declares the narrow contract the worker and beacon consume
// from the LLM SDK: one Query call that streams typed messages to a
// callback. The SDK itself lives behind this interface; the beacon fronts
// the real instance and the worker reaches it through the beacon client,
// which implements the same interface over TCP.
package sdk

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// Adapter runs one conversational turn. Every SDK message is delivered to
// onMessage in stream order; Query returns after the final message, a
// callback error, a context cancellation, or an SDK failure. Implementations
// must observe ctx at each suspension point so a stop can pre-empt the turn.
type Adapter interface {
	Query(ctx context.Context, req QueryRequest, onMessage func(Message) error) error
}

// QueryRequest carries everything one turn needs.
type QueryRequest struct {
	Prompt                 string
	Cwd                    string
	ConversationID         int
	IncludePartialMessages bool
	SettingSources         []string
	Resume                 string
	PermissionMode         string
	SystemPrompt           string
	McpServers             map[string]protocol.McpServerConfig
	Env                    map[string]string

	// CanUseTool gates each tool invocation; nil allows everything.
	CanUseTool CanUseToolFunc
}

// CanUseToolFunc decides whether a tool may run. ctx is canceled when the
// owning turn stops; toolUseID names the invocation for later routing.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any, toolUseID string) (PermissionResult, error)

// PermissionResult is the decision returned to the SDK. Allow may rewrite
// the input; deny carries a human-readable message.
type PermissionResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// Allow approves the invocation with the given (possibly rewritten) input.
func Allow(input map[string]any) PermissionResult {
	return PermissionResult{Behavior: protocol.BehaviorAllow, UpdatedInput: input}
}

// Deny rejects the invocation with a message shown to the model.
func Deny(message string) PermissionResult {
	return PermissionResult{Behavior: protocol.BehaviorDeny, Message: message}
}

// AdapterError wraps a failure raised by the underlying SDK so callers can
// distinguish it from transport or cancellation errors.
type AdapterError struct {
	Err error
}

func (e *AdapterError) Error() string { return fmt.Sprintf("adapter: %v", e.Err) }

func (e *AdapterError) Unwrap() error { return e.Err }
