package protocol

// Worker tool-server actions (newline-delimited JSON over TCP). The
// lookup_and_* variants resolve toolUseId → convId through the beacon before
// delegating to the direct action.
const (
	ToolActionLink      = "link"
	ToolActionUnlink    = "unlink"
	ToolActionList      = "list"
	ToolActionSendFile  = "send_file"
	ToolActionGetStatus = "get_status"

	ToolActionLookupLink       = "lookup_and_link"
	ToolActionLookupUnlink     = "lookup_and_unlink"
	ToolActionLookupList       = "lookup_and_list"
	ToolActionLookupSendFile   = "lookup_and_send_file"
	ToolActionLookupGetStatus  = "lookup_and_get_status"
	ToolActionLookupCreateConv = "lookup_and_create_conversation"
)

// ToolRequest is the union of every tool-server request.
type ToolRequest struct {
	Action      string `json:"action"`
	ConvID      int    `json:"convId,omitempty"`
	ToolUseID   string `json:"toolUseId,omitempty"`
	Path        string `json:"path,omitempty"`
	Description string `json:"description,omitempty"`
	Name        string `json:"name,omitempty"`
}

// ToolResponse is the union of every tool-server response.
type ToolResponse struct {
	Success   bool                `json:"success"`
	Error     string              `json:"error,omitempty"`
	Documents []string            `json:"documents,omitempty"`
	Status    *ConversationStatus `json:"status,omitempty"`
	ConvID    int                 `json:"convId,omitempty"`
}

// ConversationStatus is the get_status projection of one conversation.
type ConversationStatus struct {
	ConvID        int    `json:"convId"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	WorkspaceName string `json:"workspaceName"`
	WorkingDir    string `json:"workingDir"`
}
