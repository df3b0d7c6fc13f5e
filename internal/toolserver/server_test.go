package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/store"
	"github.com/nextlevelbuilder/gopylon/internal/store/file"
	"github.com/nextlevelbuilder/gopylon/internal/workspace"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// recordStore keeps appended messages in memory.
type recordStore struct {
	mu       sync.Mutex
	appended map[ids.ConvID][]store.Message
}

func newRecordStore() *recordStore {
	return &recordStore{appended: make(map[ids.ConvID][]store.Message)}
}

func (s *recordStore) Append(convID ids.ConvID, msg store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended[convID] = append(s.appended[convID], msg)
	return nil
}

func (s *recordStore) messages(convID ids.ConvID) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Message(nil), s.appended[convID]...)
}
func (s *recordStore) UpdateToolComplete(ids.ConvID, string, bool, string, string) error {
	return nil
}
func (s *recordStore) Messages(ids.ConvID, store.Query) ([]store.Message, error) {
	return nil, nil
}
func (s *recordStore) History(ids.ConvID) ([]store.Message, error) { return nil, nil }
func (s *recordStore) Trim(ids.ConvID, int) error                  { return nil }
func (s *recordStore) Purge(ids.ConvID) error                      { return nil }
func (s *recordStore) Close() error                                { return nil }

// fixedThumbs returns a canned thumbnail for every image path.
type fixedThumbs struct{ out string }

func (t *fixedThumbs) Thumbnail(path string) (string, error) {
	if strings.HasSuffix(path, ".png") {
		return t.out, nil
	}
	return "", nil
}

type fixture struct {
	ws    *workspace.Manager
	store *recordStore
	conv  ids.ConvID

	mu      sync.Mutex
	created []ids.ConvID
	files   []string
	thumbs  []string
}

func (f *fixture) snapshot() (created []ids.ConvID, files, thumbs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ids.ConvID(nil), f.created...),
		append([]string(nil), f.files...),
		append([]string(nil), f.thumbs...)
}

func startFixture(t *testing.T, lookup LookupFunc) (*fixture, string) {
	t.Helper()
	pid, err := ids.EncodePylon(ids.EnvDev, 1)
	if err != nil {
		t.Fatal(err)
	}
	wstore, err := file.NewWorkspaceStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ws, err := workspace.NewManager(pid, wstore)
	if err != nil {
		t.Fatal(err)
	}
	w, err := ws.Create("proj", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	conv, err := ws.CreateConversation(w.ID, "main")
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{ws: ws, store: newRecordStore(), conv: conv.ID}
	srv := NewServer("127.0.0.1:0", Deps{
		Workspaces: ws,
		Store:      f.store,
		Thumbs:     &fixedThumbs{out: "dGh1bWI="},
		Lookup:     lookup,
		OnConversationCreate: func(id ids.ConvID) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.created = append(f.created, id)
		},
		OnFileAttachment: func(id ids.ConvID, path, desc, thumb string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.files = append(f.files, path)
			f.thumbs = append(f.thumbs, thumb)
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(ctx, srv)
	go start()
	return f, addr
}

type rawConn struct {
	t       *testing.T
	nc      net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { nc.Close() })
	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &rawConn{t: t, nc: nc, scanner: scanner, enc: json.NewEncoder(nc)}
}

func (r *rawConn) roundTrip(req protocol.ToolRequest) protocol.ToolResponse {
	r.t.Helper()
	if err := r.enc.Encode(req); err != nil {
		r.t.Fatal(err)
	}
	return r.recv()
}

func (r *rawConn) sendLine(line string) {
	r.t.Helper()
	if _, err := r.nc.Write([]byte(line + "\n")); err != nil {
		r.t.Fatal(err)
	}
}

func (r *rawConn) recv() protocol.ToolResponse {
	r.t.Helper()
	r.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	if !r.scanner.Scan() {
		r.t.Fatalf("no response: %v", r.scanner.Err())
	}
	var resp protocol.ToolResponse
	if err := json.Unmarshal(r.scanner.Bytes(), &resp); err != nil {
		r.t.Fatalf("bad response %q: %v", r.scanner.Text(), err)
	}
	return resp
}

func TestLinkListUnlink(t *testing.T) {
	f, addr := startFixture(t, nil)
	c := dialRaw(t, addr)

	if resp := c.roundTrip(protocol.ToolRequest{
		Action: protocol.ToolActionLink, ConvID: int(f.conv), Path: "~/notes/plan.md",
	}); !resp.Success {
		t.Fatalf("link failed: %s", resp.Error)
	}

	resp := c.roundTrip(protocol.ToolRequest{Action: protocol.ToolActionList, ConvID: int(f.conv)})
	if !resp.Success || len(resp.Documents) != 1 {
		t.Fatalf("list = %+v", resp)
	}
	if strings.HasPrefix(resp.Documents[0], "~") {
		t.Errorf("path not normalized: %s", resp.Documents[0])
	}

	if resp := c.roundTrip(protocol.ToolRequest{
		Action: protocol.ToolActionUnlink, ConvID: int(f.conv), Path: "~/notes/plan.md",
	}); !resp.Success {
		t.Fatalf("unlink failed: %s", resp.Error)
	}
	resp = c.roundTrip(protocol.ToolRequest{Action: protocol.ToolActionList, ConvID: int(f.conv)})
	if len(resp.Documents) != 0 {
		t.Errorf("documents after unlink = %v", resp.Documents)
	}
}

func TestLinkValidation(t *testing.T) {
	f, addr := startFixture(t, nil)
	c := dialRaw(t, addr)

	tests := []struct {
		name string
		req  protocol.ToolRequest
		want string
	}{
		{"missing conversation", protocol.ToolRequest{Action: protocol.ToolActionLink, Path: "/a"}, "conversationId"},
		{"missing path", protocol.ToolRequest{Action: protocol.ToolActionLink, ConvID: int(f.conv)}, "path"},
		{"unknown conversation", protocol.ToolRequest{Action: protocol.ToolActionLink, ConvID: 999, Path: "/a"}, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.roundTrip(tt.req)
			if resp.Success || !strings.Contains(strings.ToLower(resp.Error), strings.ToLower(tt.want)) {
				t.Errorf("resp = %+v, want error containing %q", resp, tt.want)
			}
		})
	}
}

func TestSendFileWritesRecordAndThumbnail(t *testing.T) {
	f, addr := startFixture(t, nil)
	c := dialRaw(t, addr)

	dir := t.TempDir()
	img := filepath.Join(dir, "shot.png")
	if err := os.WriteFile(img, []byte("fake"), 0644); err != nil {
		t.Fatal(err)
	}

	resp := c.roundTrip(protocol.ToolRequest{
		Action:      protocol.ToolActionSendFile,
		ConvID:      int(f.conv),
		Path:        img,
		Description: "screenshot",
	})
	if !resp.Success {
		t.Fatalf("send_file failed: %s", resp.Error)
	}

	msgs := f.store.messages(f.conv)
	if len(msgs) != 1 || msgs[0].Type != store.TypeFileAttachment {
		t.Fatalf("store records = %+v", msgs)
	}
	if msgs[0].Path != img || msgs[0].Description != "screenshot" {
		t.Errorf("record = %+v", msgs[0])
	}
	_, files, thumbs := f.snapshot()
	if len(files) != 1 || thumbs[0] != "dGh1bWI=" {
		t.Errorf("callback files=%v thumbs=%v", files, thumbs)
	}
}

func TestSendFileMissingFile(t *testing.T) {
	f, addr := startFixture(t, nil)
	c := dialRaw(t, addr)

	resp := c.roundTrip(protocol.ToolRequest{
		Action: protocol.ToolActionSendFile,
		ConvID: int(f.conv),
		Path:   filepath.Join(t.TempDir(), "gone.txt"),
	})
	if resp.Success || !strings.Contains(resp.Error, "path") {
		t.Errorf("resp = %+v", resp)
	}
	if len(f.store.messages(f.conv)) != 0 {
		t.Error("attachment recorded for missing file")
	}
}

func TestGetStatus(t *testing.T) {
	f, addr := startFixture(t, nil)
	c := dialRaw(t, addr)

	resp := c.roundTrip(protocol.ToolRequest{Action: protocol.ToolActionGetStatus, ConvID: int(f.conv)})
	if !resp.Success || resp.Status == nil {
		t.Fatalf("get_status = %+v", resp)
	}
	if resp.Status.ConvID != int(f.conv) || resp.Status.Name != "main" || resp.Status.WorkspaceName != "proj" {
		t.Errorf("status = %+v", resp.Status)
	}
}

func TestLookupActionsResolveConversation(t *testing.T) {
	var mu sync.Mutex
	var lookedUp []string
	var f *fixture
	lookup := func(ctx context.Context, toolUseID string) (ids.ConvID, error) {
		mu.Lock()
		lookedUp = append(lookedUp, toolUseID)
		mu.Unlock()
		if toolUseID != "tu-1" {
			return 0, fmt.Errorf("toolUseId %s not found", toolUseID)
		}
		return f.conv, nil
	}
	f, addr := startFixture(t, lookup)
	c := dialRaw(t, addr)

	resp := c.roundTrip(protocol.ToolRequest{
		Action: protocol.ToolActionLookupLink, ToolUseID: "tu-1", Path: "/tmp/doc.md",
	})
	if !resp.Success {
		t.Fatalf("lookup_and_link failed: %s", resp.Error)
	}
	docs, err := f.ws.Documents(f.conv)
	if err != nil || len(docs) != 1 {
		t.Fatalf("documents = %v, %v", docs, err)
	}

	resp = c.roundTrip(protocol.ToolRequest{
		Action: protocol.ToolActionLookupGetStatus, ToolUseID: "tu-1",
	})
	if !resp.Success || resp.Status == nil || resp.Status.ConvID != int(f.conv) {
		t.Fatalf("lookup_and_get_status = %+v", resp)
	}

	t.Run("unknown toolUseId", func(t *testing.T) {
		resp := c.roundTrip(protocol.ToolRequest{
			Action: protocol.ToolActionLookupList, ToolUseID: "tu-ghost",
		})
		if resp.Success || !strings.Contains(resp.Error, "not found") {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("missing toolUseId", func(t *testing.T) {
		resp := c.roundTrip(protocol.ToolRequest{Action: protocol.ToolActionLookupList})
		if resp.Success || !strings.Contains(resp.Error, "toolUseId") {
			t.Errorf("resp = %+v", resp)
		}
	})

	mu.Lock()
	calls := append([]string(nil), lookedUp...)
	mu.Unlock()
	if len(calls) != 3 {
		t.Errorf("lookup calls = %v", calls)
	}
}

func TestLookupCreateConversation(t *testing.T) {
	var f *fixture
	lookup := func(ctx context.Context, toolUseID string) (ids.ConvID, error) {
		return f.conv, nil
	}
	f, addr := startFixture(t, lookup)
	c := dialRaw(t, addr)

	resp := c.roundTrip(protocol.ToolRequest{
		Action: protocol.ToolActionLookupCreateConv, ToolUseID: "tu-1", Name: "spin-off",
	})
	if !resp.Success || resp.ConvID == 0 {
		t.Fatalf("create = %+v", resp)
	}
	if resp.ConvID == int(f.conv) {
		t.Error("create returned the source conversation")
	}
	created, _, _ := f.snapshot()
	if len(created) != 1 || int(created[0]) != resp.ConvID {
		t.Errorf("onConversationCreate calls = %v", created)
	}

	// new conversation landed in the same workspace
	ws, conv, err := f.ws.Conversation(ids.ConvID(resp.ConvID))
	if err != nil {
		t.Fatal(err)
	}
	if ws.Name != "proj" || conv.Name != "spin-off" {
		t.Errorf("ws=%s conv=%s", ws.Name, conv.Name)
	}

	t.Run("missing name", func(t *testing.T) {
		resp := c.roundTrip(protocol.ToolRequest{
			Action: protocol.ToolActionLookupCreateConv, ToolUseID: "tu-1",
		})
		if resp.Success || !strings.Contains(resp.Error, "name") {
			t.Errorf("resp = %+v", resp)
		}
	})
}

func TestUnknownActionAndMalformedJSONKeepSocketOpen(t *testing.T) {
	f, addr := startFixture(t, nil)
	c := dialRaw(t, addr)

	resp := c.roundTrip(protocol.ToolRequest{Action: "bogus"})
	if resp.Success || resp.Error != "Unknown action: bogus" {
		t.Errorf("unknown action = %+v", resp)
	}

	c.sendLine(`{"action": nope}`)
	resp = c.recv()
	if resp.Success || resp.Error != "Invalid JSON format" {
		t.Errorf("malformed = %+v", resp)
	}

	// same socket still serves requests
	resp = c.roundTrip(protocol.ToolRequest{Action: protocol.ToolActionList, ConvID: int(f.conv)})
	if !resp.Success {
		t.Errorf("list after errors = %+v", resp)
	}
}
