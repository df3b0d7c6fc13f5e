package session

import (
	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/sdk"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// Inner turn states carried by stateUpdate events. These describe where the
// model is inside a turn; the coarser working/waiting/idle status travels on
// state events.
const (
	InnerThinking   = "thinking"
	InnerResponding = "responding"
	InnerTool       = "tool"
)

// Event is one frame of the session event stream. Type selects the variant
// (protocol.Event* names); unused fields stay zero and are omitted on the
// wire.
type Event struct {
	Type           string     `json:"type"`
	ConversationID ids.ConvID `json:"conversationId"`

	// init
	SDKSessionID string   `json:"sdkSessionId,omitempty"`
	Model        string   `json:"model,omitempty"`
	Tools        []string `json:"tools,omitempty"`

	// text / textComplete
	Text string `json:"text,omitempty"`

	// toolInfo / toolProgress / toolComplete / askQuestion / permission_request
	ToolUseID          string         `json:"toolUseId,omitempty"`
	ToolName           string         `json:"toolName,omitempty"`
	Input              map[string]any `json:"input,omitempty"`
	ParentToolUseID    string         `json:"parentToolUseId,omitempty"`
	ElapsedTimeSeconds float64        `json:"elapsedTimeSeconds,omitempty"`
	Success            *bool          `json:"success,omitempty"`
	Output             string         `json:"output,omitempty"`

	// usage_update / result
	Usage        *sdk.Usage `json:"usage,omitempty"`
	DurationMS   int64      `json:"durationMs,omitempty"`
	TotalCostUSD float64    `json:"totalCostUsd,omitempty"`
	NumTurns     int        `json:"numTurns,omitempty"`

	// state / stateUpdate
	State string `json:"state,omitempty"`

	// claudeAborted
	Reason string `json:"reason,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Consumer receives every session event, in per-conversation stream order.
type Consumer func(Event)

func stateEvent(convID ids.ConvID, state string) Event {
	return Event{Type: protocol.EventState, ConversationID: convID, State: state}
}

func stateUpdateEvent(convID ids.ConvID, inner, toolName string) Event {
	return Event{Type: protocol.EventStateUpdate, ConversationID: convID, State: inner, ToolName: toolName}
}
