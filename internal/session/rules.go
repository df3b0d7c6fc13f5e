package session

import "github.com/nextlevelbuilder/gopylon/pkg/protocol"

// Rule verdict actions.
const (
	RuleAllow = "allow"
	RuleDeny  = "deny"
	RuleAsk   = "ask"
)

// Verdict is the outcome of evaluating a candidate tool call. Allow and
// deny short-circuit the permission flow; ask escalates to a human.
type Verdict struct {
	Action       string
	UpdatedInput map[string]any
	Message      string
}

// Rules decides tool permissions before a human is consulted. Evaluate must
// be deterministic for a given (toolName, input, mode) triple.
type Rules interface {
	Evaluate(toolName string, input map[string]any, mode string) Verdict
}

var readOnlyTools = map[string]bool{
	"Read":         true,
	"Glob":         true,
	"Grep":         true,
	"NotebookRead": true,
	"WebFetch":     true,
	"WebSearch":    true,
	"TodoWrite":    true,
	"Task":         true,
}

var editTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// DefaultRules applies the conversation's permission mode: bypass allows
// everything, acceptEdits additionally allows file edits, and read-only
// tools are always allowed. AskUserQuestion always escalates regardless of
// mode because it is a question for the user, not a permission gate.
type DefaultRules struct{}

func (DefaultRules) Evaluate(toolName string, input map[string]any, mode string) Verdict {
	if toolName == protocol.ToolAskUserQuestion {
		return Verdict{Action: RuleAsk}
	}
	if mode == protocol.PermissionModeBypass {
		return Verdict{Action: RuleAllow}
	}
	if readOnlyTools[toolName] {
		return Verdict{Action: RuleAllow}
	}
	if mode == protocol.PermissionModeAcceptEdits && editTools[toolName] {
		return Verdict{Action: RuleAllow}
	}
	return Verdict{Action: RuleAsk}
}
