package protocol

import "encoding/json"

// Worker command frame types. Apps address these to a pylon through the
// relay; the worker answers with the corresponding _response type. Viewers
// may only send share_history (relay.go).
const (
	CmdSendMessage        = "send_message"
	CmdStop               = "stop"
	CmdPermissionResponse = "permission_response"
	CmdQuestionResponse   = "question_response"
	CmdGetMessages        = "get_messages"
	CmdGetWorkspaces      = "get_workspaces"
	CmdCreateWorkspace    = "create_workspace"
	CmdRenameWorkspace    = "rename_workspace"
	CmdDeleteWorkspace    = "delete_workspace"
	CmdCreateConversation = "create_conversation"
	CmdSetPermissionMode  = "set_permission_mode"
	CmdSetActive          = "set_active"
	CmdLinkDocument       = "link_document"
	CmdUnlinkDocument     = "unlink_document"
	CmdListDocuments      = "list_documents"
	CmdCreateShare        = "create_share"
)

// ResponseType names the reply frame for a command frame.
func ResponseType(cmd string) string { return cmd + "_response" }

// Unsolicited worker→app frame types.
const (
	TypeWorkspacesChanged = "workspaces_changed"
	TypeFileShared        = "file_shared"
)

// WorkspacesChangedPayload pushes the fresh workspace tree after a mutation
// so apps stay current without polling. Workspaces is the worker's
// marshaled tree; the active ids ride alongside.
type WorkspacesChangedPayload struct {
	Workspaces           json.RawMessage `json:"workspaces"`
	ActiveWorkspaceID    int             `json:"activeWorkspaceId,omitempty"`
	ActiveConversationID int             `json:"activeConversationId,omitempty"`
}

// FileSharedPayload announces a send_file attachment. Thumbnail is a base64
// JPEG, empty for non-images.
type FileSharedPayload struct {
	ConversationID int    `json:"conversationId"`
	Path           string `json:"path"`
	Description    string `json:"description,omitempty"`
	Thumbnail      string `json:"thumbnail,omitempty"`
}

// Command is the union payload of every worker command. RequestID, when
// set, is echoed verbatim in the reply so apps can correlate.
type Command struct {
	RequestID      string `json:"requestId,omitempty"`
	ConversationID int    `json:"conversationId,omitempty"`
	WorkspaceID    int    `json:"workspaceId,omitempty"`
	Text           string `json:"text,omitempty"`
	Name           string `json:"name,omitempty"`
	WorkingDir     string `json:"workingDir,omitempty"`
	ToolUseID      string `json:"toolUseId,omitempty"`
	Decision       string `json:"decision,omitempty"`
	Answer         string `json:"answer,omitempty"`
	Mode           string `json:"mode,omitempty"`
	Path           string `json:"path,omitempty"`
	ShareID        string `json:"shareId,omitempty"`
	SystemReminder string `json:"systemReminder,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
	LoadBefore     string `json:"loadBefore,omitempty"`
}

// CommandResult is the union payload of every worker reply. Workspaces and
// Messages carry pre-marshaled trees so this package stays free of store
// and workspace types.
type CommandResult struct {
	RequestID      string          `json:"requestId,omitempty"`
	Success        bool            `json:"success"`
	Error          string          `json:"error,omitempty"`
	ConversationID int             `json:"conversationId,omitempty"`
	WorkspaceID    int             `json:"workspaceId,omitempty"`
	ShareID        string          `json:"shareId,omitempty"`
	Documents      []string        `json:"documents,omitempty"`
	Workspaces     json.RawMessage `json:"workspaces,omitempty"`
	Messages       json.RawMessage `json:"messages,omitempty"`
}
