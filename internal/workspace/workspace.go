// Package workspace holds the per-pylon workspace/conversation tree. The
// tree itself is pure in-memory state; durability goes through the Store
// interface, which receives a JSON-stable snapshot after every mutation. IDs
// follow the packed layout in internal/ids, so any relay peer can route a
// conversation back to its pylon without a lookup table.
package workspace

import (
	"time"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// Conversation is one Claude session slot within a workspace.
type Conversation struct {
	ID                 ids.ConvID `json:"id"`
	Name               string     `json:"name"`
	ClaudeSessionID    string     `json:"claudeSessionId,omitempty"` // opaque resume token
	Status             string     `json:"status,omitempty"`          // idle | working | waiting | offline
	Unread             bool       `json:"unread,omitempty"`
	PermissionMode     string     `json:"permissionMode,omitempty"` // default | acceptEdits | bypassPermissions
	CustomSystemPrompt string     `json:"customSystemPrompt,omitempty"`
	LinkedDocuments    []string   `json:"linkedDocuments,omitempty"` // ordered, deduped by normalized path
	CreatedAt          time.Time  `json:"createdAt"`
}

// Workspace groups conversations that share a project directory.
type Workspace struct {
	ID            ids.WorkspaceID `json:"id"`
	Name          string          `json:"name"`
	WorkingDir    string          `json:"workingDir"`
	Conversations []*Conversation `json:"conversations"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (w *Workspace) conversation(id ids.ConvID) *Conversation {
	for _, c := range w.Conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func cloneConversation(c *Conversation) *Conversation {
	cp := *c
	if len(c.LinkedDocuments) > 0 {
		cp.LinkedDocuments = append([]string(nil), c.LinkedDocuments...)
	}
	return &cp
}

func cloneWorkspace(w *Workspace) *Workspace {
	cp := *w
	cp.Conversations = make([]*Conversation, len(w.Conversations))
	for i, c := range w.Conversations {
		cp.Conversations[i] = cloneConversation(c)
	}
	return &cp
}

func isBusy(status string) bool {
	return status == protocol.StatusWorking || status == protocol.StatusWaiting
}
