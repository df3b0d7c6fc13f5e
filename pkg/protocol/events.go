// Package protocol defines the wire vocabulary shared by the relay hub, the
// beacon multiplexer, the worker tool server, and the session event stream.
// All three transports speak JSON with a tagged discriminator ("type" for
// frames, "action" for requests); unknown discriminants are recoverable
// errors, never panics.
package protocol

// Session event names emitted by the worker's session manager. The mixed
// naming (camelCase vs snake_case) is part of the wire contract.
const (
	EventInit              = "init"
	EventStateUpdate       = "stateUpdate"
	EventText              = "text"
	EventTextComplete      = "textComplete"
	EventToolInfo          = "toolInfo"
	EventToolProgress      = "toolProgress"
	EventToolComplete      = "toolComplete"
	EventAskQuestion       = "askQuestion"
	EventPermissionRequest = "permission_request"
	EventUsageUpdate       = "usage_update"
	EventCompactStart      = "compactStart"
	EventCompactComplete   = "compactComplete"
	EventResult            = "result"
	EventClaudeAborted     = "claudeAborted"
	EventError             = "error"
	EventState             = "state"
)

// Externally visible session states carried by EventState.
const (
	StateWorking = "working"
	StateWaiting = "waiting"
	StateIdle    = "idle"
)

// Conversation statuses tracked by the workspace store.
const (
	StatusIdle    = "idle"
	StatusWorking = "working"
	StatusWaiting = "waiting"
	StatusOffline = "offline"
)

// Permission modes a conversation can run under.
const (
	PermissionModeDefault     = "default"
	PermissionModeAcceptEdits = "acceptEdits"
	PermissionModeBypass      = "bypassPermissions"
)

// User decisions for a pending permission request.
const (
	DecisionAllow    = "allow"
	DecisionDeny     = "deny"
	DecisionAllowAll = "allowAll"
)

// Permission behaviors on the SDK boundary.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// The tool whose invocations become pending questions instead of
// permission requests.
const ToolAskUserQuestion = "AskUserQuestion"
