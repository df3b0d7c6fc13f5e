package workspace

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

func testPylon(t *testing.T) ids.PylonID {
	t.Helper()
	id, err := ids.EncodePylon(ids.EnvDev, 1)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// memStore round-trips snapshots through JSON, the same projection the file
// store persists, so reload tests exercise real (de)serialization without
// touching disk.
type memStore struct {
	data  []byte
	saves int
}

func (s *memStore) Load() (*State, error) {
	if s.data == nil {
		return nil, nil
	}
	var st State
	if err := json.Unmarshal(s.data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *memStore) Save(st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.data = data
	s.saves++
	return nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testPylon(t), &memStore{})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCreate_AllocatesLowestFreeIndex(t *testing.T) {
	m := newTestManager(t)

	w1, err := m.Create("alpha", "/tmp/a")
	if err != nil {
		t.Fatal(err)
	}
	w2, err := m.Create("beta", "/tmp/b")
	if err != nil {
		t.Fatal(err)
	}

	_, idx1, _ := ids.DecodeWorkspace(w1.ID)
	_, idx2, _ := ids.DecodeWorkspace(w2.ID)
	if idx1 != 1 || idx2 != 2 {
		t.Fatalf("indexes = %d, %d, want 1, 2", idx1, idx2)
	}

	// freeing the first slot makes it the next allocation
	if _, err := m.Delete(w1.ID); err != nil {
		t.Fatal(err)
	}
	w3, err := m.Create("gamma", "/tmp/c")
	if err != nil {
		t.Fatal(err)
	}
	_, idx3, _ := ids.DecodeWorkspace(w3.ID)
	if idx3 != 1 {
		t.Errorf("reused index = %d, want 1", idx3)
	}
}

func TestCreate_ExhaustsIndexSpace(t *testing.T) {
	m := newTestManager(t)
	for i := 1; i <= ids.MaxWorkspaceIndex; i++ {
		if _, err := m.Create("ws", "/tmp"); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := m.Create("overflow", "/tmp"); !errors.Is(err, ErrWorkspaceExhausted) {
		t.Errorf("err = %v, want ErrWorkspaceExhausted", err)
	}
}

func TestCreateConversation_DefaultsAndActivePair(t *testing.T) {
	m := newTestManager(t)
	ws, err := m.Create("proj", "/tmp/proj")
	if err != nil {
		t.Fatal(err)
	}

	c1, err := m.CreateConversation(ws.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if c1.Name != "Conversation 1" {
		t.Errorf("default name = %q", c1.Name)
	}
	if c1.Status != protocol.StatusIdle {
		t.Errorf("status = %q, want idle", c1.Status)
	}
	if c1.ID.Workspace() != ws.ID {
		t.Errorf("conv %d not under workspace %d", c1.ID, ws.ID)
	}
	if c1.ID.Pylon() != testPylon(t) {
		t.Errorf("conv pylon = %d, want %d", c1.ID.Pylon(), testPylon(t))
	}

	// first conversation in an empty tree becomes the active pair
	aw, ac := m.Active()
	if aw != ws.ID || ac != c1.ID {
		t.Errorf("active = (%d, %d), want (%d, %d)", aw, ac, ws.ID, c1.ID)
	}

	c2, err := m.CreateConversation(ws.ID, "named")
	if err != nil {
		t.Fatal(err)
	}
	if c2.Name != "named" {
		t.Errorf("name = %q", c2.Name)
	}

	// second create does not steal the active slot
	if _, ac = m.Active(); ac != c1.ID {
		t.Errorf("active conv moved to %d", ac)
	}
}

func TestSetActiveWorkspace(t *testing.T) {
	m := newTestManager(t)
	w1, _ := m.Create("a", "/tmp")
	w2, _ := m.Create("b", "/tmp")
	c1, _ := m.CreateConversation(w1.ID, "")
	c2a, _ := m.CreateConversation(w2.ID, "")
	c2b, _ := m.CreateConversation(w2.ID, "")

	// explicit conversation
	if err := m.SetActiveWorkspace(w2.ID, c2b.ID); err != nil {
		t.Fatal(err)
	}
	aw, ac := m.Active()
	if aw != w2.ID || ac != c2b.ID {
		t.Errorf("active = (%d, %d)", aw, ac)
	}

	// zero convID falls back to the first conversation
	if err := m.SetActiveWorkspace(w2.ID, 0); err != nil {
		t.Fatal(err)
	}
	if _, ac = m.Active(); ac != c2a.ID {
		t.Errorf("fallback active conv = %d, want %d", ac, c2a.ID)
	}

	// a conv from another workspace also falls back
	if err := m.SetActiveWorkspace(w2.ID, c1.ID); err != nil {
		t.Fatal(err)
	}
	if _, ac = m.Active(); ac != c2a.ID {
		t.Errorf("foreign conv accepted as active: %d", ac)
	}

	// an empty workspace yields no active conversation
	w3, _ := m.Create("empty", "/tmp")
	if err := m.SetActiveWorkspace(w3.ID, 0); err != nil {
		t.Fatal(err)
	}
	if _, ac = m.Active(); ac != 0 {
		t.Errorf("active conv in empty workspace = %d", ac)
	}

	if err := m.SetActiveWorkspace(w3.ID+99, 0); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestRenameAndNotFound(t *testing.T) {
	m := newTestManager(t)
	ws, _ := m.Create("old", "/tmp")

	if err := m.Rename(ws.ID, "new"); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(ws.ID)
	if got.Name != "new" {
		t.Errorf("name = %q", got.Name)
	}

	if err := m.Rename(ws.ID+999, "x"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("err = %v, want ErrWorkspaceNotFound", err)
	}
}

func TestDelete_ReturnsConversationIDsAndClearsActive(t *testing.T) {
	m := newTestManager(t)
	ws, _ := m.Create("proj", "/tmp")
	c1, _ := m.CreateConversation(ws.ID, "")
	c2, _ := m.CreateConversation(ws.ID, "")

	removed, err := m.Delete(ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 || removed[0] != c1.ID || removed[1] != c2.ID {
		t.Errorf("removed = %v, want [%d %d]", removed, c1.ID, c2.ID)
	}
	if _, err := m.Get(ws.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	if aw, ac := m.Active(); aw != 0 || ac != 0 {
		t.Errorf("active pair not cleared: (%d, %d)", aw, ac)
	}
}

func TestMutationsSaveThrough(t *testing.T) {
	st := &memStore{}
	m, err := NewManager(testPylon(t), st)
	if err != nil {
		t.Fatal(err)
	}
	ws, err := m.Create("proj", "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateConversation(ws.ID, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Rename(ws.ID, "renamed"); err != nil {
		t.Fatal(err)
	}
	if st.saves != 3 {
		t.Errorf("saves = %d, want one per mutation (3)", st.saves)
	}
}

func TestPersistence_Reload(t *testing.T) {
	st := &memStore{}
	pid := testPylon(t)

	m, err := NewManager(pid, st)
	if err != nil {
		t.Fatal(err)
	}
	ws, _ := m.Create("proj", "/tmp/proj")
	conv, _ := m.CreateConversation(ws.ID, "work")
	if err := m.SetPermissionMode(conv.ID, protocol.PermissionModeAcceptEdits); err != nil {
		t.Fatal(err)
	}
	if err := m.SetClaudeSessionID(conv.ID, "sess-42"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetUnread(conv.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := m.SetCustomSystemPrompt(conv.ID, "be terse"); err != nil {
		t.Fatal(err)
	}
	if err := m.LinkDocument(conv.ID, "/tmp/doc.md"); err != nil {
		t.Fatal(err)
	}

	m2, err := NewManager(pid, st)
	if err != nil {
		t.Fatal(err)
	}
	_, c, err := m2.Conversation(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "work" || c.PermissionMode != protocol.PermissionModeAcceptEdits {
		t.Errorf("reloaded conv = %+v", c)
	}
	if c.ClaudeSessionID != "sess-42" || !c.Unread || c.CustomSystemPrompt != "be terse" {
		t.Errorf("properties lost: %+v", c)
	}
	if len(c.LinkedDocuments) != 1 || c.LinkedDocuments[0] != "/tmp/doc.md" {
		t.Errorf("documents = %v", c.LinkedDocuments)
	}
	if aw, ac := m2.Active(); aw != ws.ID || ac != conv.ID {
		t.Errorf("active pair lost: (%d, %d)", aw, ac)
	}
}

func TestLinkDocument_NormalizationAndDuplicates(t *testing.T) {
	m := newTestManager(t)
	ws, _ := m.Create("proj", "/tmp")
	conv, _ := m.CreateConversation(ws.ID, "")

	if err := m.LinkDocument(conv.ID, "  /docs/a.md "); err != nil {
		t.Fatal(err)
	}
	// same path after normalization is a duplicate, without mutation
	if err := m.LinkDocument(conv.ID, "/docs/a.md"); !errors.Is(err, ErrAlreadyLinked) {
		t.Errorf("err = %v, want ErrAlreadyLinked", err)
	}
	if err := m.LinkDocument(conv.ID, "/docs/./a.md"); !errors.Is(err, ErrAlreadyLinked) {
		t.Errorf("cleaned duplicate err = %v", err)
	}

	if err := m.LinkDocument(conv.ID, "   "); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("blank path err = %v, want ErrInvalidPath", err)
	}

	if err := m.LinkDocument(conv.ID, "/docs/b.md"); err != nil {
		t.Fatal(err)
	}
	docs, _ := m.Documents(conv.ID)
	if len(docs) != 2 || docs[0] != "/docs/a.md" || docs[1] != "/docs/b.md" {
		t.Errorf("docs = %v", docs)
	}

	if err := m.UnlinkDocument(conv.ID, " /docs/a.md"); err != nil {
		t.Fatal(err)
	}
	docs, _ = m.Documents(conv.ID)
	if len(docs) != 1 || docs[0] != "/docs/b.md" {
		t.Errorf("docs after unlink = %v", docs)
	}

	// unknown path is a no-op
	if err := m.UnlinkDocument(conv.ID, "/missing.md"); err != nil {
		t.Fatal(err)
	}
}

func TestResetActiveConversations(t *testing.T) {
	m := newTestManager(t)
	ws, _ := m.Create("proj", "/tmp")
	c1, _ := m.CreateConversation(ws.ID, "")
	c2, _ := m.CreateConversation(ws.ID, "")
	c3, _ := m.CreateConversation(ws.ID, "")

	m.SetStatus(c1.ID, protocol.StatusWorking)
	m.SetStatus(c2.ID, protocol.StatusWaiting)
	// c3 stays idle

	affected, err := m.ResetActiveConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(affected) != 2 {
		t.Fatalf("affected = %v", affected)
	}
	for _, id := range []ids.ConvID{c1.ID, c2.ID, c3.ID} {
		_, c, _ := m.Conversation(id)
		if c.Status != protocol.StatusIdle {
			t.Errorf("conv %d status = %q", id, c.Status)
		}
	}

	// second run finds nothing
	affected, err = m.ResetActiveConversations()
	if err != nil {
		t.Fatal(err)
	}
	if affected != nil {
		t.Errorf("second reset affected %v", affected)
	}
}

func TestEnsureDefault(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.EnsureDefault("/home/me")
	if err != nil {
		t.Fatal(err)
	}
	if ws == nil || ws.Name != "Default" || len(ws.Conversations) != 1 {
		t.Fatalf("default workspace = %+v", ws)
	}
	if ws.WorkingDir != "/home/me" {
		t.Errorf("workingDir = %q", ws.WorkingDir)
	}

	// second call is a no-op
	again, err := m.EnsureDefault("/home/me")
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Errorf("EnsureDefault on non-empty tree = %+v", again)
	}
	if got := len(m.List()); got != 1 {
		t.Errorf("workspace count = %d, want 1", got)
	}
}

func TestNewManager_FiltersForeignPylons(t *testing.T) {
	st := &memStore{}
	theirs, _ := ids.EncodePylon(ids.EnvDev, 2)

	m1, err := NewManager(theirs, st)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m1.Create("theirs", "/tmp"); err != nil {
		t.Fatal(err)
	}

	m2, err := NewManager(testPylon(t), st)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(m2.List()); got != 0 {
		t.Errorf("foreign workspaces survived reload: %d", got)
	}
}

func TestConvIDs(t *testing.T) {
	m := newTestManager(t)
	w1, _ := m.Create("a", "/tmp")
	w2, _ := m.Create("b", "/tmp")
	m.CreateConversation(w1.ID, "")
	m.CreateConversation(w2.ID, "")
	m.CreateConversation(w2.ID, "")

	if got := len(m.ConvIDs()); got != 3 {
		t.Errorf("ConvIDs = %d entries, want 3", got)
	}
}

func TestCreateShare_UnknownConversation(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateShare(ids.ConvID(999999)); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestCreateShare_ResolvesToConversation(t *testing.T) {
	m := newTestManager(t)
	ws, _ := m.Create("proj", "/tmp")
	conv, _ := m.CreateConversation(ws.ID, "")

	token, err := m.CreateShare(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("empty share token")
	}
	got, ok := m.ResolveShare(token)
	if !ok || got != conv.ID {
		t.Errorf("ResolveShare = (%d, %v), want (%d, true)", got, ok, conv.ID)
	}
	if _, ok := m.ResolveShare("no-such-token"); ok {
		t.Error("unknown token resolved")
	}
}

func TestCreateShare_MintsFreshTokens(t *testing.T) {
	m := newTestManager(t)
	ws, _ := m.Create("proj", "/tmp")
	conv, _ := m.CreateConversation(ws.ID, "")

	t1, _ := m.CreateShare(conv.ID)
	t2, _ := m.CreateShare(conv.ID)
	if t1 == t2 {
		t.Fatalf("tokens collide: %q", t1)
	}
	// both stay valid
	for _, tok := range []string{t1, t2} {
		if got, ok := m.ResolveShare(tok); !ok || got != conv.ID {
			t.Errorf("ResolveShare(%q) = (%d, %v)", tok, got, ok)
		}
	}
}

func TestShares_PersistAcrossReload(t *testing.T) {
	st := &memStore{}
	pid := testPylon(t)

	m, err := NewManager(pid, st)
	if err != nil {
		t.Fatal(err)
	}
	ws, _ := m.Create("proj", "/tmp")
	conv, _ := m.CreateConversation(ws.ID, "")
	token, err := m.CreateShare(conv.ID)
	if err != nil {
		t.Fatal(err)
	}

	m2, err := NewManager(pid, st)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := m2.ResolveShare(token); !ok || got != conv.ID {
		t.Errorf("ResolveShare after reload = (%d, %v), want (%d, true)", got, ok, conv.ID)
	}
}

func TestDelete_InvalidatesShares(t *testing.T) {
	st := &memStore{}
	pid := testPylon(t)

	m, err := NewManager(pid, st)
	if err != nil {
		t.Fatal(err)
	}
	w1, _ := m.Create("gone", "/tmp")
	c1, _ := m.CreateConversation(w1.ID, "")
	w2, _ := m.Create("kept", "/tmp")
	c2, _ := m.CreateConversation(w2.ID, "")

	t1, _ := m.CreateShare(c1.ID)
	t2, _ := m.CreateShare(c2.ID)

	if _, err := m.Delete(w1.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.ResolveShare(t1); ok {
		t.Error("share survived workspace delete")
	}
	if got, ok := m.ResolveShare(t2); !ok || got != c2.ID {
		t.Errorf("unrelated share lost: (%d, %v)", got, ok)
	}

	m2, err := NewManager(pid, st)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m2.ResolveShare(t1); ok {
		t.Error("deleted share resurrected on reload")
	}
	if got, ok := m2.ResolveShare(t2); !ok || got != c2.ID {
		t.Errorf("kept share lost on reload: (%d, %v)", got, ok)
	}
}
