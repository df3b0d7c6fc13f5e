package protocol

import "encoding/json"

// Beacon request actions (newline-delimited JSON over TCP).
const (
	ActionRegister           = "register"
	ActionUnregister         = "unregister"
	ActionQuery              = "query"
	ActionPermissionResponse = "permission_response"
	ActionLookup             = "lookup"
	ActionPing               = "ping"
)

// Beacon frame types written back to sockets. One-shot responses carry no
// type, only success/error.
const (
	BeaconEvent             = "event"
	BeaconError             = "error"
	BeaconPermissionRequest = "permission_request"
	BeaconPong              = "pong"
)

// BeaconRequest is the union of every request the beacon accepts; Action
// selects the variant. ConvID is a legacy alias for ConversationID on query
// requests.
type BeaconRequest struct {
	Action string `json:"action"`

	// register / unregister
	PylonID int    `json:"pylonId,omitempty"`
	McpHost string `json:"mcpHost,omitempty"`
	McpPort int    `json:"mcpPort,omitempty"`
	Env     string `json:"env,omitempty"`
	Force   bool   `json:"force,omitempty"`

	// query
	ConversationID int           `json:"conversationId,omitempty"`
	ConvID         int           `json:"convId,omitempty"`
	Options        *QueryOptions `json:"options,omitempty"`

	// permission_response / lookup
	ToolUseID    string         `json:"toolUseId,omitempty"`
	Behavior     string         `json:"behavior,omitempty"`
	Message      string         `json:"message,omitempty"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
}

// Conversation returns the query target, honoring the legacy alias.
func (r *BeaconRequest) Conversation() int {
	if r.ConversationID != 0 {
		return r.ConversationID
	}
	return r.ConvID
}

// QueryOptions is the serializable subset of the SDK adapter options a
// worker may forward through the beacon.
type QueryOptions struct {
	Prompt                 string                     `json:"prompt"`
	Cwd                    string                     `json:"cwd,omitempty"`
	Resume                 string                     `json:"resume,omitempty"`
	PermissionMode         string                     `json:"permissionMode,omitempty"`
	IncludePartialMessages bool                       `json:"includePartialMessages,omitempty"`
	SettingSources         []string                   `json:"settingSources,omitempty"`
	McpServers             map[string]McpServerConfig `json:"mcpServers,omitempty"`
	Env                    map[string]string          `json:"env,omitempty"`
	SystemPrompt           string                     `json:"systemPrompt,omitempty"`
}

// McpServerConfig names a stdio MCP server the SDK should launch.
type McpServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// BeaconFrame is the union of every frame the beacon writes. Type is empty
// on one-shot responses; Success is a pointer so streaming frames omit it.
type BeaconFrame struct {
	Type    string `json:"type,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	// event / error / permission_request streams
	ConversationID int             `json:"conversationId,omitempty"`
	Message        json.RawMessage `json:"message,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	Input          map[string]any  `json:"input,omitempty"`
	ToolUseID      string          `json:"toolUseId,omitempty"`

	// lookup response
	ConvID  int             `json:"convId,omitempty"`
	McpHost string          `json:"mcpHost,omitempty"`
	McpPort int             `json:"mcpPort,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// OK is the bare success response for one-shot actions.
func OK() BeaconFrame {
	ok := true
	return BeaconFrame{Success: &ok}
}

// Fail is the bare failure response for one-shot actions.
func Fail(msg string) BeaconFrame {
	no := false
	return BeaconFrame{Success: &no, Error: msg}
}

// IsSuccess reports the one-shot result (false when Success is absent).
func (f *BeaconFrame) IsSuccess() bool {
	return f.Success != nil && *f.Success
}
