// Package store defines the per-conversation message log: an append-only
// record of user turns, assistant text, and tool lifecycles, with on-write
// summarization so payloads stay bounded no matter what a tool was fed.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message variants.
const (
	TypeUserText       = "userText"
	TypeUserResponse   = "userResponse"
	TypeAssistantText  = "assistantText"
	TypeToolStart      = "toolStart"
	TypeToolComplete   = "toolComplete"
	TypeSystemError    = "systemError"
	TypeSystemNote     = "systemNote"
	TypeResult         = "result"
	TypeAborted        = "aborted"
	TypeFileAttachment = "fileAttachment"
)

// MaxMessages caps each conversation's log. The cap is enforced on write by
// every backend; the newest MaxMessages records are never dropped.
const MaxMessages = 200

// Message is one immutable log record. Tool messages reuse the SDK-provided
// toolUseId as their ID so completions and callbacks can find them.
type Message struct {
	ID              string         `json:"id"`
	Role            string         `json:"role"`
	Type            string         `json:"type"`
	Timestamp       time.Time      `json:"timestamp"`
	Text            string         `json:"text,omitempty"`
	ToolName        string         `json:"toolName,omitempty"`
	ToolInput       map[string]any `json:"toolInput,omitempty"`
	ParentToolUseID string         `json:"parentToolUseId,omitempty"`
	Success         *bool          `json:"success,omitempty"`
	Output          string         `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	Path            string         `json:"path,omitempty"`
	Description     string         `json:"description,omitempty"`
	DurationMS      int64          `json:"durationMs,omitempty"`
	CostUSD         float64        `json:"costUsd,omitempty"`
	NumTurns        int            `json:"numTurns,omitempty"`
}

// Query selects a contiguous window from the tail of a conversation log.
// BeforeID wins over Offset; an unknown BeforeID yields an empty result so
// pagination loops terminate. Limit <= 0 means no limit.
type Query struct {
	Limit    int
	Offset   int
	BeforeID string
}

// MessageStore is the durable per-conversation log. Writes are durable
// before the call returns. Reads return messages in chronological order
// (newest last). Implementations are safe for concurrent use.
type MessageStore interface {
	Append(convID ids.ConvID, msg Message) error
	// UpdateToolComplete rewrites the most recent toolStart with a matching
	// toolName in place, preserving its id, timestamp, and parentToolUseId.
	// A miss is a no-op, not an error.
	UpdateToolComplete(convID ids.ConvID, toolName string, success bool, output, errText string) error
	Messages(convID ids.ConvID, q Query) ([]Message, error)
	// History returns the entire log in chronological order (viewer reads).
	History(convID ids.ConvID) ([]Message, error)
	Trim(convID ids.ConvID, max int) error
	Purge(convID ids.ConvID) error
	Close() error
}

// Latest returns the newest n messages in chronological order.
func Latest(s MessageStore, convID ids.ConvID, n int) ([]Message, error) {
	return s.Messages(convID, Query{Limit: n})
}

// Maintainer is implemented by backends with periodic upkeep (checkpoints,
// vacuum). The maintenance scheduler type-asserts for it.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// BulkPurger is implemented by backends that can drop many conversations in
// one round trip. Callers fall back to per-conversation Purge otherwise.
type BulkPurger interface {
	PurgeMany(convIDs []ids.ConvID) error
}

// Lister is implemented by backends that can enumerate every conversation
// holding messages. Maintenance diffs the list against the workspace tree to
// find orphaned logs.
type Lister interface {
	ListConversations() ([]ids.ConvID, error)
}

func newMessage(role, typ string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Type:      typ,
		Timestamp: time.Now(),
	}
}

// NewUserText records a prompt sent by the user.
func NewUserText(text string) Message {
	m := newMessage(RoleUser, TypeUserText)
	m.Text = text
	return m
}

// NewUserResponse records an answer to an AskUserQuestion.
func NewUserResponse(text string) Message {
	m := newMessage(RoleUser, TypeUserResponse)
	m.Text = text
	return m
}

// NewAssistantText records the aggregated text of one assistant message.
func NewAssistantText(text string) Message {
	m := newMessage(RoleAssistant, TypeAssistantText)
	m.Text = text
	return m
}

// NewToolStart records a tool invocation with its input summarized by tool
// name. The message ID is the toolUseId when the SDK provided one.
func NewToolStart(toolName, toolUseID string, input map[string]any, parentToolUseID string) Message {
	m := newMessage(RoleAssistant, TypeToolStart)
	if toolUseID != "" {
		m.ID = toolUseID
	}
	m.ToolName = toolName
	m.ToolInput = SummarizeToolInput(toolName, input)
	m.ParentToolUseID = parentToolUseID
	return m
}

// NewSystemError records a failure surfaced to the user.
func NewSystemError(text string) Message {
	m := newMessage(RoleSystem, TypeSystemError)
	m.Text = text
	return m
}

// NewSystemNote records an informational status line (compaction, resets).
func NewSystemNote(text string) Message {
	m := newMessage(RoleSystem, TypeSystemNote)
	m.Text = text
	return m
}

// NewResult records the terminal marker of a turn.
func NewResult(durationMS int64, costUSD float64, numTurns int) Message {
	m := newMessage(RoleSystem, TypeResult)
	m.DurationMS = durationMS
	m.CostUSD = costUSD
	m.NumTurns = numTurns
	return m
}

// NewAborted records a user-initiated stop.
func NewAborted() Message {
	return newMessage(RoleSystem, TypeAborted)
}

// NewFileAttachment records a file the user shared into the conversation.
func NewFileAttachment(path, description string) Message {
	m := newMessage(RoleUser, TypeFileAttachment)
	m.Path = path
	m.Description = description
	return m
}

// CompleteTool rewrites the most recent matching toolStart in msgs. Backends
// with in-memory logs share this; SQL backends express the same rule in
// queries. Returns false when no toolStart matches.
func CompleteTool(msgs []Message, toolName string, success bool, output, errText string) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type != TypeToolStart || msgs[i].ToolName != toolName {
			continue
		}
		msgs[i].Type = TypeToolComplete
		msgs[i].Success = &success
		msgs[i].Output = SummarizeOutput(output)
		msgs[i].Error = SummarizeOutput(errText)
		return true
	}
	return false
}

// Window cuts the slice addressed by q out of a chronological log.
func Window(msgs []Message, q Query) []Message {
	end := len(msgs)
	if q.BeforeID != "" {
		end = 0
		for i := range msgs {
			if msgs[i].ID == q.BeforeID {
				end = i
				break
			}
		}
	} else if q.Offset > 0 {
		end -= q.Offset
		if end < 0 {
			end = 0
		}
	}
	start := 0
	if q.Limit > 0 && end-q.Limit > 0 {
		start = end - q.Limit
	}
	out := make([]Message, end-start)
	copy(out, msgs[start:end])
	return out
}
