package sdk

import "encoding/json"

// SDK message types observed on a query stream.
const (
	MessageSystem      = "system"
	MessageAssistant   = "assistant"
	MessageUser        = "user"
	MessageStreamEvent = "stream_event"
	MessageToolProgress = "tool_progress"
	MessageResult      = "result"
)

// Subtypes of a system message.
const (
	SystemInit            = "init"
	SystemStatus          = "status"
	SystemCompactBoundary = "compact_boundary"
)

// Streaming event names inside a stream_event message.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Message is one frame of a query stream. Type selects the variant; the
// remaining fields are populated per variant. Raw preserves the exact bytes
// the SDK produced so relays can forward messages without re-marshaling.
type Message struct {
	Type string `json:"type"`

	// system
	Subtype         string         `json:"subtype,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	Model           string         `json:"model,omitempty"`
	Tools           []string       `json:"tools,omitempty"`
	Status          string         `json:"status,omitempty"`
	CompactMetadata map[string]any `json:"compact_metadata,omitempty"`

	// assistant / user
	Message         *ChatMessage `json:"message,omitempty"`
	ParentToolUseID string       `json:"parent_tool_use_id,omitempty"`

	// stream_event
	Event *StreamEvent `json:"event,omitempty"`

	// tool_progress
	ToolName           string  `json:"tool_name,omitempty"`
	ElapsedTimeSeconds float64 `json:"elapsed_time_seconds,omitempty"`

	// result
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON parses the variant fields and keeps the original bytes.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Message(a)
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes the preserved bytes when present so a forwarded message
// is byte-identical to what the SDK produced.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	type alias Message
	return json.Marshal(alias(m))
}

// ChatMessage is the inner payload of assistant and user messages.
type ChatMessage struct {
	Content []ContentBlock `json:"content"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one element of a chat message's content array.
type ContentBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result: Content is either a JSON string or an array of blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ResultText flattens a tool_result's content to plain text. The SDK emits
// either a bare string or an array of text blocks.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		out := ""
		for _, blk := range blocks {
			if blk.Type == BlockText {
				if out != "" {
					out += "\n"
				}
				out += blk.Text
			}
		}
		return out
	}
	return string(b.Content)
}

// StreamEvent is the inner payload of a stream_event message.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
	Message      *ChatMessage  `json:"message,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
}

// Delta carries the incremental part of a content_block_delta or
// message_delta event.
type Delta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Usage tracks token consumption reported by the SDK.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates another usage delta into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// TextBlocks returns the text of every text block in an assistant message,
// in order. Nil for non-assistant messages.
func (m *Message) TextBlocks() []string {
	if m.Type != MessageAssistant || m.Message == nil {
		return nil
	}
	var out []string
	for _, b := range m.Message.Content {
		if b.Type == BlockText {
			out = append(out, b.Text)
		}
	}
	return out
}

// ToolUses returns every tool_use block in an assistant message.
func (m *Message) ToolUses() []ContentBlock {
	if m.Type != MessageAssistant || m.Message == nil {
		return nil
	}
	var out []ContentBlock
	for _, b := range m.Message.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// ToolResults returns every tool_result block in a user message.
func (m *Message) ToolResults() []ContentBlock {
	if m.Type != MessageUser || m.Message == nil {
		return nil
	}
	var out []ContentBlock
	for _, b := range m.Message.Content {
		if b.Type == BlockToolResult {
			out = append(out, b)
		}
	}
	return out
}

// ToolUseStart reports whether m is a streaming content_block_start for a
// tool_use block, returning the tool's id and name.
func (m *Message) ToolUseStart() (toolUseID, toolName string, ok bool) {
	if m.Type != MessageStreamEvent || m.Event == nil {
		return "", "", false
	}
	if m.Event.Type != EventContentBlockStart || m.Event.ContentBlock == nil {
		return "", "", false
	}
	if m.Event.ContentBlock.Type != BlockToolUse {
		return "", "", false
	}
	return m.Event.ContentBlock.ID, m.Event.ContentBlock.Name, true
}

// TextDelta returns the streaming text fragment of a content_block_delta,
// or "" when m is any other message.
func (m *Message) TextDelta() string {
	if m.Type != MessageStreamEvent || m.Event == nil || m.Event.Delta == nil {
		return ""
	}
	if m.Event.Type != EventContentBlockDelta {
		return ""
	}
	return m.Event.Delta.Text
}

// UsageDelta returns the usage attached to a message_start or message_delta
// event, or nil.
func (m *Message) UsageDelta() *Usage {
	if m.Type != MessageStreamEvent || m.Event == nil {
		return nil
	}
	switch m.Event.Type {
	case EventMessageStart:
		if m.Event.Message != nil {
			return m.Event.Message.Usage
		}
	case EventMessageDelta:
		return m.Event.Usage
	}
	return nil
}
