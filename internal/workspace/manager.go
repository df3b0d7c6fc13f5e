package workspace

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

var (
	ErrWorkspaceNotFound     = errors.New("workspace not found")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrWorkspaceExhausted    = errors.New("workspace indexes exhausted")
	ErrConversationExhausted = errors.New("conversation indexes exhausted")
	ErrInvalidPath           = errors.New("invalid path")
	ErrAlreadyLinked         = errors.New("document already linked")
)

// Manager owns the workspace tree for one pylon. Every mutation is handed to
// the Store before it returns, so a crash never loses acknowledged tree
// structure. At most one conversation in the whole tree is active at a time.
type Manager struct {
	mu         sync.RWMutex
	pylonID    ids.PylonID
	store      Store
	workspaces []*Workspace
	activeWS   ids.WorkspaceID
	activeConv ids.ConvID
	shares     map[string]ids.ConvID
}

// State is the JSON-stable projection of the tree that Stores persist.
type State struct {
	Workspaces      []*Workspace          `json:"workspaces"`
	ActiveWorkspace ids.WorkspaceID       `json:"activeWorkspaceId,omitempty"`
	ActiveConv      ids.ConvID            `json:"activeConvId,omitempty"`
	Shares          map[string]ids.ConvID `json:"shares,omitempty"`
}

// Store persists the tree between runs. Load runs once at startup and
// returns nil when nothing has been saved yet. Save is called under the
// manager's lock; the snapshot shares memory with the live tree and must not
// be retained after the call returns.
type Store interface {
	Load() (*State, error)
	Save(*State) error
}

// NewManager restores the tree persisted in store. A nil snapshot starts
// empty; call EnsureDefault afterwards. The manager itself performs no I/O:
// it reads the tree through store once and hands back a fresh snapshot after
// every mutation.
func NewManager(pylonID ids.PylonID, store Store) (*Manager, error) {
	m := &Manager{
		pylonID: pylonID,
		store:   store,
		shares:  make(map[string]ids.ConvID),
	}
	st, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load workspaces: %w", err)
	}
	if st == nil {
		return m, nil
	}
	// Drop entries that don't belong to this pylon (stale copies from a
	// deviceIndex change).
	for _, w := range st.Workspaces {
		if w.ID.Pylon() == pylonID {
			m.workspaces = append(m.workspaces, w)
		}
	}
	if m.findLocked(st.ActiveWorkspace) != nil {
		m.activeWS = st.ActiveWorkspace
		if _, c := m.findConvLocked(st.ActiveConv); c != nil {
			m.activeConv = st.ActiveConv
		}
	}
	// Shares whose conversation is gone are dead tokens.
	for shareID, convID := range st.Shares {
		if _, c := m.findConvLocked(convID); c != nil {
			m.shares[shareID] = convID
		}
	}
	return m, nil
}

// PylonID returns the owning pylon id.
func (m *Manager) PylonID() ids.PylonID { return m.pylonID }

// EnsureDefault creates a "Default" workspace with one conversation when the
// tree is empty, so a fresh pylon is usable immediately.
func (m *Manager) EnsureDefault(workingDir string) (*Workspace, error) {
	m.mu.RLock()
	n := len(m.workspaces)
	m.mu.RUnlock()
	if n > 0 {
		return nil, nil
	}
	ws, err := m.Create("Default", workingDir)
	if err != nil {
		return nil, err
	}
	if _, err := m.CreateConversation(ws.ID, ""); err != nil {
		return nil, err
	}
	return m.Get(ws.ID)
}

// Create allocates the lowest free workspace index (1..127).
func (m *Manager) Create(name, workingDir string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := make(map[int]bool, len(m.workspaces))
	for _, w := range m.workspaces {
		_, idx, err := ids.DecodeWorkspace(w.ID)
		if err == nil {
			used[idx] = true
		}
	}
	idx := 0
	for i := 1; i <= ids.MaxWorkspaceIndex; i++ {
		if !used[i] {
			idx = i
			break
		}
	}
	if idx == 0 {
		return nil, ErrWorkspaceExhausted
	}

	id, err := ids.EncodeWorkspace(m.pylonID, idx)
	if err != nil {
		return nil, err
	}
	ws := &Workspace{
		ID:            id,
		Name:          name,
		WorkingDir:    workingDir,
		Conversations: []*Conversation{},
		CreatedAt:     time.Now(),
	}
	m.workspaces = append(m.workspaces, ws)
	sort.Slice(m.workspaces, func(i, j int) bool { return m.workspaces[i].ID < m.workspaces[j].ID })

	if err := m.saveLocked(); err != nil {
		return nil, err
	}
	return cloneWorkspace(ws), nil
}

// Rename sets a workspace name.
func (m *Manager) Rename(id ids.WorkspaceID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.findLocked(id)
	if ws == nil {
		return ErrWorkspaceNotFound
	}
	ws.Name = name
	return m.saveLocked()
}

// Delete removes a workspace and returns the conversation ids it held so the
// caller can purge their message history.
func (m *Manager) Delete(id ids.WorkspaceID) ([]ids.ConvID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.workspaces {
		if w.ID != id {
			continue
		}
		removed := make([]ids.ConvID, 0, len(w.Conversations))
		for _, c := range w.Conversations {
			removed = append(removed, c.ID)
		}
		m.workspaces = append(m.workspaces[:i], m.workspaces[i+1:]...)
		if m.activeWS == id {
			m.activeWS, m.activeConv = 0, 0
		}
		for shareID, convID := range m.shares {
			if convID.Workspace() == id {
				delete(m.shares, shareID)
			}
		}
		if err := m.saveLocked(); err != nil {
			return nil, err
		}
		return removed, nil
	}
	return nil, ErrWorkspaceNotFound
}

// Get returns a deep copy of one workspace.
func (m *Manager) Get(id ids.WorkspaceID) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws := m.findLocked(id)
	if ws == nil {
		return nil, ErrWorkspaceNotFound
	}
	return cloneWorkspace(ws), nil
}

// List returns a deep copy of the whole tree, ordered by id.
func (m *Manager) List() []*Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Workspace, len(m.workspaces))
	for i, w := range m.workspaces {
		out[i] = cloneWorkspace(w)
	}
	return out
}

// CreateConversation allocates the lowest free conversation index (1..1023)
// within the workspace. Empty names default to "Conversation <idx>". The
// first conversation created in an empty tree becomes the active one.
func (m *Manager) CreateConversation(wsID ids.WorkspaceID, name string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.findLocked(wsID)
	if ws == nil {
		return nil, ErrWorkspaceNotFound
	}

	used := make(map[int]bool, len(ws.Conversations))
	for _, c := range ws.Conversations {
		parts, err := ids.DecodeConversationFull(c.ID)
		if err == nil {
			used[parts.ConversationIndex] = true
		}
	}
	idx := 0
	for i := 1; i <= ids.MaxConversationIndex; i++ {
		if !used[i] {
			idx = i
			break
		}
	}
	if idx == 0 {
		return nil, ErrConversationExhausted
	}

	id, err := ids.EncodeConversation(wsID, idx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = fmt.Sprintf("Conversation %d", idx)
	}
	conv := &Conversation{
		ID:        id,
		Name:      name,
		Status:    protocol.StatusIdle,
		CreatedAt: time.Now(),
	}
	ws.Conversations = append(ws.Conversations, conv)
	if m.activeConv == 0 {
		m.activeWS, m.activeConv = wsID, id
	}

	if err := m.saveLocked(); err != nil {
		return nil, err
	}
	return cloneConversation(conv), nil
}

// Conversation looks up a conversation by id across all workspaces.
func (m *Manager) Conversation(id ids.ConvID) (*Workspace, *Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, conv := m.findConvLocked(id)
	if conv == nil {
		return nil, nil, ErrConversationNotFound
	}
	return cloneWorkspace(ws), cloneConversation(conv), nil
}

// SetActiveWorkspace records the active pair. A zero or unknown convID falls
// back to the workspace's first conversation (or none when it is empty).
func (m *Manager) SetActiveWorkspace(wsID ids.WorkspaceID, convID ids.ConvID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.findLocked(wsID)
	if ws == nil {
		return ErrWorkspaceNotFound
	}
	m.activeWS = wsID
	if convID != 0 && ws.conversation(convID) != nil {
		m.activeConv = convID
	} else if len(ws.Conversations) > 0 {
		m.activeConv = ws.Conversations[0].ID
	} else {
		m.activeConv = 0
	}
	return m.saveLocked()
}

// Active returns the active workspace/conversation pair (zero when unset).
func (m *Manager) Active() (ids.WorkspaceID, ids.ConvID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeWS, m.activeConv
}

// SetStatus records the externally visible session status.
func (m *Manager) SetStatus(id ids.ConvID, status string) error {
	return m.updateConv(id, func(c *Conversation) error {
		c.Status = status
		return nil
	})
}

// SetUnread flags activity the user has not seen yet.
func (m *Manager) SetUnread(id ids.ConvID, unread bool) error {
	return m.updateConv(id, func(c *Conversation) error {
		c.Unread = unread
		return nil
	})
}

// SetPermissionMode records the sticky permission mode for a conversation.
func (m *Manager) SetPermissionMode(id ids.ConvID, mode string) error {
	return m.updateConv(id, func(c *Conversation) error {
		c.PermissionMode = mode
		return nil
	})
}

// SetClaudeSessionID stores the SDK resume token.
func (m *Manager) SetClaudeSessionID(id ids.ConvID, sessionID string) error {
	return m.updateConv(id, func(c *Conversation) error {
		c.ClaudeSessionID = sessionID
		return nil
	})
}

// SetCustomSystemPrompt overrides the system prompt for future turns.
func (m *Manager) SetCustomSystemPrompt(id ids.ConvID, prompt string) error {
	return m.updateConv(id, func(c *Conversation) error {
		c.CustomSystemPrompt = prompt
		return nil
	})
}

// ResetActiveConversations moves every working/waiting conversation back to
// idle and reports which ones were affected. Runs once at pylon startup:
// whatever was mid-turn when the process died is not running anymore.
func (m *Manager) ResetActiveConversations() ([]ids.ConvID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected []ids.ConvID
	for _, w := range m.workspaces {
		for _, c := range w.Conversations {
			if isBusy(c.Status) {
				c.Status = protocol.StatusIdle
				affected = append(affected, c.ID)
			}
		}
	}
	if len(affected) == 0 {
		return nil, nil
	}
	return affected, m.saveLocked()
}

// NormalizePath is the canonical form used to dedupe linked documents.
func NormalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	return filepath.Clean(trimmed)
}

// LinkDocument appends a document path to the conversation. The path is
// normalized first; empty paths fail and duplicates fail without mutation.
func (m *Manager) LinkDocument(id ids.ConvID, path string) error {
	norm := NormalizePath(path)
	if norm == "" {
		return ErrInvalidPath
	}
	return m.updateConv(id, func(c *Conversation) error {
		for _, d := range c.LinkedDocuments {
			if d == norm {
				return ErrAlreadyLinked
			}
		}
		c.LinkedDocuments = append(c.LinkedDocuments, norm)
		return nil
	})
}

// UnlinkDocument removes a linked path. Unknown paths are a no-op.
func (m *Manager) UnlinkDocument(id ids.ConvID, path string) error {
	norm := NormalizePath(path)
	return m.updateConv(id, func(c *Conversation) error {
		for i, d := range c.LinkedDocuments {
			if d == norm {
				c.LinkedDocuments = append(c.LinkedDocuments[:i], c.LinkedDocuments[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// Documents returns the linked paths for a conversation.
func (m *Manager) Documents(id ids.ConvID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, conv := m.findConvLocked(id)
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return append([]string(nil), conv.LinkedDocuments...), nil
}

// CreateShare mints a share token for a conversation. Each call returns a
// fresh token; old tokens stay valid until the conversation goes away.
func (m *Manager) CreateShare(id ids.ConvID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, c := m.findConvLocked(id); c == nil {
		return "", ErrConversationNotFound
	}
	shareID := uuid.NewString()
	m.shares[shareID] = id
	if err := m.saveLocked(); err != nil {
		delete(m.shares, shareID)
		return "", err
	}
	return shareID, nil
}

// ResolveShare maps a share token back to its conversation.
func (m *Manager) ResolveShare(shareID string) (ids.ConvID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.shares[shareID]
	return id, ok
}

// ConvIDs returns every conversation id in the tree.
func (m *Manager) ConvIDs() []ids.ConvID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ids.ConvID
	for _, w := range m.workspaces {
		for _, c := range w.Conversations {
			out = append(out, c.ID)
		}
	}
	return out
}

func (m *Manager) updateConv(id ids.ConvID, fn func(*Conversation) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, conv := m.findConvLocked(id)
	if conv == nil {
		return ErrConversationNotFound
	}
	if err := fn(conv); err != nil {
		return err
	}
	return m.saveLocked()
}

func (m *Manager) findLocked(id ids.WorkspaceID) *Workspace {
	for _, w := range m.workspaces {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func (m *Manager) findConvLocked(id ids.ConvID) (*Workspace, *Conversation) {
	ws := m.findLocked(id.Workspace())
	if ws == nil {
		return nil, nil
	}
	if c := ws.conversation(id); c != nil {
		return ws, c
	}
	return nil, nil
}

// saveLocked snapshots the tree and hands it to the store. Callers hold m.mu.
func (m *Manager) saveLocked() error {
	return m.store.Save(&State{
		Workspaces:      m.workspaces,
		ActiveWorkspace: m.activeWS,
		ActiveConv:      m.activeConv,
		Shares:          m.shares,
	})
}
