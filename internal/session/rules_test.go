package session

import (
	"testing"

	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

func TestDefaultRules(t *testing.T) {
	tests := []struct {
		name string
		tool string
		mode string
		want string
	}{
		{"bash asks by default", "Bash", protocol.PermissionModeDefault, RuleAsk},
		{"read always allowed", "Read", protocol.PermissionModeDefault, RuleAllow},
		{"grep always allowed", "Grep", protocol.PermissionModeDefault, RuleAllow},
		{"edit asks by default", "Edit", protocol.PermissionModeDefault, RuleAsk},
		{"edit allowed with acceptEdits", "Edit", protocol.PermissionModeAcceptEdits, RuleAllow},
		{"write allowed with acceptEdits", "Write", protocol.PermissionModeAcceptEdits, RuleAllow},
		{"bash asks with acceptEdits", "Bash", protocol.PermissionModeAcceptEdits, RuleAsk},
		{"bypass allows bash", "Bash", protocol.PermissionModeBypass, RuleAllow},
		{"question asks even in bypass", protocol.ToolAskUserQuestion, protocol.PermissionModeBypass, RuleAsk},
		{"unknown tool asks", "mcp__pylon__link_document", protocol.PermissionModeDefault, RuleAsk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultRules{}.Evaluate(tt.tool, nil, tt.mode)
			if got.Action != tt.want {
				t.Errorf("Evaluate(%s, %s) = %s, want %s", tt.tool, tt.mode, got.Action, tt.want)
			}
		})
	}
}
