package pylon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/session"
	"github.com/nextlevelbuilder/gopylon/internal/store"
	"github.com/nextlevelbuilder/gopylon/internal/store/file"
	"github.com/nextlevelbuilder/gopylon/internal/wirelog"
	"github.com/nextlevelbuilder/gopylon/internal/workspace"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

type sentTurn struct {
	convID ids.ConvID
	prompt string
	opts   session.TurnOptions
}

type sentResponse struct {
	convID    ids.ConvID
	toolUseID string
	text      string
}

// fakeSessions records every call; SendMessage runs on a worker goroutine,
// so access goes through the mutex.
type fakeSessions struct {
	mu        sync.Mutex
	turns     []sentTurn
	stopped   []ids.ConvID
	perms     []sentResponse
	questions []sentResponse
	aborted   bool
}

func (f *fakeSessions) SendMessage(ctx context.Context, convID ids.ConvID, prompt string, opts session.TurnOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, sentTurn{convID, prompt, opts})
	return nil
}

func (f *fakeSessions) Stop(convID ids.ConvID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, convID)
}

func (f *fakeSessions) RespondPermission(convID ids.ConvID, toolUseID, decision string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perms = append(f.perms, sentResponse{convID, toolUseID, decision})
}

func (f *fakeSessions) RespondQuestion(convID ids.ConvID, toolUseID, answer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, sentResponse{convID, toolUseID, answer})
}

func (f *fakeSessions) AbortAllSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
}

func (f *fakeSessions) lastTurn(t *testing.T) sentTurn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if n := len(f.turns); n > 0 {
			turn := f.turns[n-1]
			f.mu.Unlock()
			return turn
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no turn started")
	return sentTurn{}
}

func newTestWorker(t *testing.T) (*Worker, *fakeSessions) {
	t.Helper()
	pylonID, err := ids.EncodePylon(ids.EnvDev, 1)
	if err != nil {
		t.Fatalf("EncodePylon: %v", err)
	}
	wstore, err := file.NewWorkspaceStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspaceStore: %v", err)
	}
	ws, err := workspace.NewManager(pylonID, wstore)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	st, err := file.New(t.TempDir())
	if err != nil {
		t.Fatalf("file.New: %v", err)
	}
	sess := &fakeSessions{}
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := &Worker{
		pylonID:  pylonID,
		ws:       ws,
		store:    st,
		sessions: sess,
		logger:   discard,
		frames:   wirelog.New(discard, "relay"),
		runCtx:   context.Background(),
	}
	return w, sess
}

// seedConv creates one workspace with one conversation and returns both ids.
func seedConv(t *testing.T, w *Worker) (ids.WorkspaceID, ids.ConvID) {
	t.Helper()
	wsp, err := w.ws.Create("proj", "/tmp/proj")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	conv, err := w.ws.CreateConversation(wsp.ID, "main")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return wsp.ID, conv.ID
}

func messagesOf(t *testing.T, w *Worker, convID ids.ConvID) []store.Message {
	t.Helper()
	msgs, err := w.store.History(convID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return msgs
}

func TestSendMessageRecordsPromptAndStartsTurn(t *testing.T) {
	w, sess := newTestWorker(t)
	_, convID := seedConv(t, w)
	if err := w.ws.SetClaudeSessionID(convID, "sdk-1"); err != nil {
		t.Fatalf("SetClaudeSessionID: %v", err)
	}
	if err := w.ws.SetPermissionMode(convID, protocol.PermissionModeAcceptEdits); err != nil {
		t.Fatalf("SetPermissionMode: %v", err)
	}

	res := w.runCommand(protocol.CmdSendMessage, &protocol.Command{
		ConversationID: int(convID),
		Text:           "hello",
		SystemReminder: "focus",
	})
	if !res.Success {
		t.Fatalf("send_message failed: %s", res.Error)
	}

	turn := sess.lastTurn(t)
	if turn.convID != convID || turn.prompt != "hello" {
		t.Errorf("turn = %+v", turn)
	}
	if turn.opts.WorkingDir != "/tmp/proj" {
		t.Errorf("workingDir = %q", turn.opts.WorkingDir)
	}
	if turn.opts.ClaudeSessionID != "sdk-1" {
		t.Errorf("claudeSessionId = %q", turn.opts.ClaudeSessionID)
	}
	if turn.opts.PermissionMode != protocol.PermissionModeAcceptEdits {
		t.Errorf("permissionMode = %q", turn.opts.PermissionMode)
	}
	if turn.opts.SystemReminder != "focus" {
		t.Errorf("systemReminder = %q", turn.opts.SystemReminder)
	}

	msgs := messagesOf(t, w, convID)
	if len(msgs) != 1 || msgs[0].Type != store.TypeUserText || msgs[0].Text != "hello" {
		t.Errorf("stored messages = %+v", msgs)
	}
}

func TestSendMessageValidation(t *testing.T) {
	w, _ := newTestWorker(t)
	_, convID := seedConv(t, w)

	tests := []struct {
		name    string
		cmd     protocol.Command
		wantErr string
	}{
		{"missing conversation", protocol.Command{Text: "hi"}, "conversationId is required"},
		{"missing text", protocol.Command{ConversationID: int(convID)}, "text is required"},
		{"unknown conversation", protocol.Command{ConversationID: 999999, Text: "hi"}, "conversation not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := w.runCommand(protocol.CmdSendMessage, &tc.cmd)
			if res.Success {
				t.Fatal("command succeeded, want failure")
			}
			if res.Error != tc.wantErr {
				t.Errorf("error = %q, want %q", res.Error, tc.wantErr)
			}
		})
	}
}

func TestStopForwardsToSessions(t *testing.T) {
	w, sess := newTestWorker(t)
	_, convID := seedConv(t, w)

	res := w.runCommand(protocol.CmdStop, &protocol.Command{ConversationID: int(convID)})
	if !res.Success {
		t.Fatalf("stop failed: %s", res.Error)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.stopped) != 1 || sess.stopped[0] != convID {
		t.Errorf("stopped = %v", sess.stopped)
	}
}

func TestPermissionResponseRecordsAndForwards(t *testing.T) {
	w, sess := newTestWorker(t)
	_, convID := seedConv(t, w)

	res := w.runCommand(protocol.CmdPermissionResponse, &protocol.Command{
		ConversationID: int(convID),
		ToolUseID:      "tu-1",
		Decision:       "allow",
	})
	if !res.Success {
		t.Fatalf("permission_response failed: %s", res.Error)
	}
	sess.mu.Lock()
	if len(sess.perms) != 1 || sess.perms[0] != (sentResponse{convID, "tu-1", "allow"}) {
		t.Errorf("perms = %+v", sess.perms)
	}
	sess.mu.Unlock()

	msgs := messagesOf(t, w, convID)
	if len(msgs) != 1 || msgs[0].Type != store.TypeUserResponse || msgs[0].Text != "allow" {
		t.Errorf("stored messages = %+v", msgs)
	}

	t.Run("missing toolUseId", func(t *testing.T) {
		res := w.runCommand(protocol.CmdPermissionResponse, &protocol.Command{
			ConversationID: int(convID),
			Decision:       "allow",
		})
		if res.Success || res.Error != "toolUseId is required" {
			t.Errorf("result = %+v", res)
		}
	})
}

func TestQuestionResponseRecordsAndForwards(t *testing.T) {
	w, sess := newTestWorker(t)
	_, convID := seedConv(t, w)

	res := w.runCommand(protocol.CmdQuestionResponse, &protocol.Command{
		ConversationID: int(convID),
		ToolUseID:      "tu-2",
		Answer:         "option B",
	})
	if !res.Success {
		t.Fatalf("question_response failed: %s", res.Error)
	}
	sess.mu.Lock()
	if len(sess.questions) != 1 || sess.questions[0] != (sentResponse{convID, "tu-2", "option B"}) {
		t.Errorf("questions = %+v", sess.questions)
	}
	sess.mu.Unlock()
}

func TestGetMessagesPagesAndClearsUnread(t *testing.T) {
	w, _ := newTestWorker(t)
	_, convID := seedConv(t, w)
	for _, text := range []string{"one", "two", "three"} {
		if err := w.store.Append(convID, store.NewUserText(text)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.ws.SetUnread(convID, true); err != nil {
		t.Fatalf("SetUnread: %v", err)
	}

	res := w.runCommand(protocol.CmdGetMessages, &protocol.Command{
		ConversationID: int(convID),
		Limit:          2,
	})
	if !res.Success {
		t.Fatalf("get_messages failed: %s", res.Error)
	}
	if res.ConversationID != int(convID) {
		t.Errorf("conversationId = %d, want %d", res.ConversationID, int(convID))
	}
	var msgs []store.Message
	if err := json.Unmarshal(res.Messages, &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "two" || msgs[1].Text != "three" {
		t.Errorf("page = %+v", msgs)
	}

	_, conv, err := w.ws.Conversation(convID)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if conv.Unread {
		t.Error("unread still set after get_messages")
	}
}

func TestGetWorkspacesReturnsTreeAndActive(t *testing.T) {
	w, _ := newTestWorker(t)
	wsID, convID := seedConv(t, w)
	if err := w.ws.SetActiveWorkspace(wsID, convID); err != nil {
		t.Fatalf("SetActiveWorkspace: %v", err)
	}

	res := w.runCommand(protocol.CmdGetWorkspaces, &protocol.Command{})
	if !res.Success {
		t.Fatalf("get_workspaces failed: %s", res.Error)
	}
	var tree []*workspace.Workspace
	if err := json.Unmarshal(res.Workspaces, &tree); err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	if len(tree) != 1 || tree[0].Name != "proj" || len(tree[0].Conversations) != 1 {
		t.Errorf("tree = %+v", tree)
	}
	if res.WorkspaceID != int(wsID) || res.ConversationID != int(convID) {
		t.Errorf("active = ws %d conv %d, want ws %d conv %d",
			res.WorkspaceID, res.ConversationID, int(wsID), int(convID))
	}
}

func TestWorkspaceLifecycleCommands(t *testing.T) {
	w, sess := newTestWorker(t)

	res := w.runCommand(protocol.CmdCreateWorkspace, &protocol.Command{Name: "proj", WorkingDir: "/tmp/proj"})
	if !res.Success || res.WorkspaceID == 0 {
		t.Fatalf("create_workspace = %+v", res)
	}
	wsID := res.WorkspaceID

	res = w.runCommand(protocol.CmdCreateConversation, &protocol.Command{WorkspaceID: wsID, Name: "main"})
	if !res.Success || res.ConversationID == 0 {
		t.Fatalf("create_conversation = %+v", res)
	}
	convID := ids.ConvID(res.ConversationID)
	if convID.Workspace() != ids.WorkspaceID(wsID) {
		t.Errorf("conversation %d not in workspace %d", res.ConversationID, wsID)
	}

	res = w.runCommand(protocol.CmdRenameWorkspace, &protocol.Command{WorkspaceID: wsID, Name: "renamed"})
	if !res.Success {
		t.Fatalf("rename_workspace failed: %s", res.Error)
	}
	wsp, err := w.ws.Get(ids.WorkspaceID(wsID))
	if err != nil || wsp.Name != "renamed" {
		t.Errorf("workspace after rename = %+v, err %v", wsp, err)
	}

	// Leave a message behind so delete has something to purge.
	if err := w.store.Append(convID, store.NewUserText("bye")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	res = w.runCommand(protocol.CmdDeleteWorkspace, &protocol.Command{WorkspaceID: wsID})
	if !res.Success {
		t.Fatalf("delete_workspace failed: %s", res.Error)
	}
	if _, err := w.ws.Get(ids.WorkspaceID(wsID)); err == nil {
		t.Error("workspace still present after delete")
	}
	sess.mu.Lock()
	if len(sess.stopped) != 1 || sess.stopped[0] != convID {
		t.Errorf("stopped = %v, want [%d]", sess.stopped, int(convID))
	}
	sess.mu.Unlock()
	if msgs := messagesOf(t, w, convID); len(msgs) != 0 {
		t.Errorf("messages survived purge: %+v", msgs)
	}
}

func TestSetPermissionModeValidates(t *testing.T) {
	w, _ := newTestWorker(t)
	_, convID := seedConv(t, w)

	res := w.runCommand(protocol.CmdSetPermissionMode, &protocol.Command{
		ConversationID: int(convID),
		Mode:           protocol.PermissionModeBypass,
	})
	if !res.Success {
		t.Fatalf("set_permission_mode failed: %s", res.Error)
	}
	_, conv, err := w.ws.Conversation(convID)
	if err != nil || conv.PermissionMode != protocol.PermissionModeBypass {
		t.Errorf("mode = %q, err %v", conv.PermissionMode, err)
	}

	res = w.runCommand(protocol.CmdSetPermissionMode, &protocol.Command{
		ConversationID: int(convID),
		Mode:           "yolo",
	})
	if res.Success || !strings.Contains(res.Error, "invalid permission mode") {
		t.Errorf("result = %+v", res)
	}
}

func TestSetActiveClearsUnread(t *testing.T) {
	w, _ := newTestWorker(t)
	wsID, convID := seedConv(t, w)
	if err := w.ws.SetUnread(convID, true); err != nil {
		t.Fatalf("SetUnread: %v", err)
	}

	res := w.runCommand(protocol.CmdSetActive, &protocol.Command{
		WorkspaceID:    int(wsID),
		ConversationID: int(convID),
	})
	if !res.Success {
		t.Fatalf("set_active failed: %s", res.Error)
	}
	activeWS, activeConv := w.ws.Active()
	if activeWS != wsID || activeConv != convID {
		t.Errorf("active = %d/%d", int(activeWS), int(activeConv))
	}
	_, conv, err := w.ws.Conversation(convID)
	if err != nil || conv.Unread {
		t.Errorf("unread = %v, err %v", conv.Unread, err)
	}
}

func TestDocumentCommands(t *testing.T) {
	w, _ := newTestWorker(t)
	_, convID := seedConv(t, w)

	res := w.runCommand(protocol.CmdLinkDocument, &protocol.Command{
		ConversationID: int(convID),
		Path:           "~/notes/plan.md",
	})
	if !res.Success {
		t.Fatalf("link_document failed: %s", res.Error)
	}

	res = w.runCommand(protocol.CmdListDocuments, &protocol.Command{ConversationID: int(convID)})
	if !res.Success || len(res.Documents) != 1 {
		t.Fatalf("list_documents = %+v", res)
	}
	linked := res.Documents[0]

	res = w.runCommand(protocol.CmdLinkDocument, &protocol.Command{
		ConversationID: int(convID),
		Path:           linked,
	})
	if res.Success {
		t.Error("duplicate link succeeded")
	}

	res = w.runCommand(protocol.CmdUnlinkDocument, &protocol.Command{
		ConversationID: int(convID),
		Path:           linked,
	})
	if !res.Success {
		t.Fatalf("unlink_document failed: %s", res.Error)
	}
	res = w.runCommand(protocol.CmdListDocuments, &protocol.Command{ConversationID: int(convID)})
	if !res.Success || len(res.Documents) != 0 {
		t.Errorf("documents after unlink = %v", res.Documents)
	}

	t.Run("missing path", func(t *testing.T) {
		res := w.runCommand(protocol.CmdLinkDocument, &protocol.Command{ConversationID: int(convID)})
		if res.Success || res.Error != "path is required" {
			t.Errorf("result = %+v", res)
		}
	})
}

func TestCreateShareAndHistory(t *testing.T) {
	w, _ := newTestWorker(t)
	_, convID := seedConv(t, w)
	if err := w.store.Append(convID, store.NewUserText("shared line")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	res := w.runCommand(protocol.CmdCreateShare, &protocol.Command{ConversationID: int(convID)})
	if !res.Success || res.ShareID == "" {
		t.Fatalf("create_share = %+v", res)
	}

	hist := w.shareHistory(&protocol.Command{ShareID: res.ShareID})
	if !hist.Success {
		t.Fatalf("share_history failed: %s", hist.Error)
	}
	if hist.ConversationID != int(convID) {
		t.Errorf("conversationId = %d, want %d", hist.ConversationID, int(convID))
	}
	var msgs []store.Message
	if err := json.Unmarshal(hist.Messages, &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "shared line" {
		t.Errorf("history = %+v", msgs)
	}

	t.Run("unknown share", func(t *testing.T) {
		res := w.shareHistory(&protocol.Command{ShareID: "nope"})
		if res.Success || res.Error != "Share not found" {
			t.Errorf("result = %+v", res)
		}
	})
}

func TestRunCommandUnknownAction(t *testing.T) {
	w, _ := newTestWorker(t)
	res := w.runCommand("reboot", &protocol.Command{})
	if res.Success || res.Error != "Unknown action: reboot" {
		t.Errorf("result = %+v", res)
	}
}
