package pylon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/gopylon/internal/config"
	"github.com/nextlevelbuilder/gopylon/internal/relay"
	"github.com/nextlevelbuilder/gopylon/internal/store"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// startHub runs a relay on a loopback port and returns its ws URL.
func startHub(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	s, err := relay.NewServer(cfg)
	if err != nil {
		t.Fatalf("relay.NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := relay.StartTestServer(ctx, s)
	go start()
	return "ws://" + addr + "/ws"
}

// startWorker connects the fixture worker to the hub, waits for the link to
// come up, and tears it down with the test.
func startWorker(t *testing.T, w *Worker, url string) {
	t.Helper()
	w.relayURL = url
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		connected := w.link != nil
		w.mu.Unlock()
		if connected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker never connected to hub")
}

// appConn is a relay client standing in for a phone app.
type appConn struct {
	t    *testing.T
	conn *websocket.Conn
	dev  protocol.Device
}

func dialApp(t *testing.T, url string, auth protocol.AuthPayload) *appConn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	c := &appConn{t: t, conn: conn}
	if f := c.recv(); f.Type != protocol.TypeConnected {
		t.Fatalf("first frame = %q, want %q", f.Type, protocol.TypeConnected)
	}
	c.send(protocol.NewFrame(protocol.TypeAuth, auth))
	var res protocol.AuthResult
	f := c.await(protocol.TypeAuthResult)
	if err := json.Unmarshal(f.Payload, &res); err != nil {
		t.Fatalf("decode auth_result: %v", err)
	}
	if !res.Success {
		t.Fatalf("auth failed: %s", res.Error)
	}
	c.dev = *res.Device
	return c
}

func (c *appConn) send(frame protocol.Frame) {
	c.t.Helper()
	if err := c.conn.WriteJSON(frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *appConn) recv() protocol.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f protocol.Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return f
}

// await skips roster noise (device_status and friends) until a frame of the
// wanted type arrives.
func (c *appConn) await(want string) protocol.Frame {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		f := c.recv()
		if f.Type == want {
			return f
		}
	}
	c.t.Fatalf("no %q frame in 20 reads", want)
	return protocol.Frame{}
}

func (c *appConn) result(t *testing.T, f protocol.Frame) protocol.CommandResult {
	t.Helper()
	var res protocol.CommandResult
	if err := json.Unmarshal(f.Payload, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func TestWorkerAnswersCommandsOverRelay(t *testing.T) {
	url := startHub(t)
	w, _ := newTestWorker(t)
	_, convID := seedConv(t, w)
	startWorker(t, w, url)

	app := dialApp(t, url, protocol.AuthPayload{DeviceType: protocol.DeviceApp})

	cmd, _ := json.Marshal(protocol.Command{RequestID: "r1"})
	app.send(protocol.Frame{Type: protocol.CmdGetWorkspaces, Payload: cmd})

	f := app.await(protocol.ResponseType(protocol.CmdGetWorkspaces))
	res := app.result(t, f)
	if !res.Success || res.RequestID != "r1" {
		t.Fatalf("get_workspaces result = %+v", res)
	}
	var tree []json.RawMessage
	if err := json.Unmarshal(res.Workspaces, &tree); err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	if len(tree) != 1 {
		t.Errorf("tree size = %d, want 1", len(tree))
	}

	// send_message lands in the store and starts a turn.
	cmd, _ = json.Marshal(protocol.Command{RequestID: "r2", ConversationID: int(convID), Text: "hello"})
	app.send(protocol.Frame{Type: protocol.CmdSendMessage, Payload: cmd})
	res = app.result(t, app.await(protocol.ResponseType(protocol.CmdSendMessage)))
	if !res.Success || res.RequestID != "r2" {
		t.Fatalf("send_message result = %+v", res)
	}
	msgs := messagesOf(t, w, convID)
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Errorf("stored = %+v", msgs)
	}
}

func TestWorkerBroadcastsTreeChanges(t *testing.T) {
	url := startHub(t)
	w, _ := newTestWorker(t)
	startWorker(t, w, url)

	app := dialApp(t, url, protocol.AuthPayload{DeviceType: protocol.DeviceApp})

	cmd, _ := json.Marshal(protocol.Command{RequestID: "r1", Name: "proj", WorkingDir: "/tmp/proj"})
	app.send(protocol.Frame{Type: protocol.CmdCreateWorkspace, Payload: cmd})

	res := app.result(t, app.await(protocol.ResponseType(protocol.CmdCreateWorkspace)))
	if !res.Success || res.WorkspaceID == 0 {
		t.Fatalf("create_workspace result = %+v", res)
	}

	f := app.await(protocol.TypeWorkspacesChanged)
	var change protocol.WorkspacesChangedPayload
	if err := json.Unmarshal(f.Payload, &change); err != nil {
		t.Fatalf("decode workspaces_changed: %v", err)
	}
	var tree []json.RawMessage
	if err := json.Unmarshal(change.Workspaces, &tree); err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	if len(tree) != 1 {
		t.Errorf("broadcast tree size = %d, want 1", len(tree))
	}
}

func TestWorkerRejectsMalformedCommand(t *testing.T) {
	url := startHub(t)
	w, _ := newTestWorker(t)
	startWorker(t, w, url)

	app := dialApp(t, url, protocol.AuthPayload{DeviceType: protocol.DeviceApp})

	app.send(protocol.Frame{Type: protocol.CmdSendMessage, Payload: json.RawMessage(`"nope"`)})
	res := app.result(t, app.await(protocol.ResponseType(protocol.CmdSendMessage)))
	if res.Success || res.Error != "Invalid JSON format" {
		t.Errorf("result = %+v", res)
	}
}

func TestViewerFetchesSharedHistory(t *testing.T) {
	url := startHub(t)
	w, _ := newTestWorker(t)
	_, convID := seedConv(t, w)
	if err := w.store.Append(convID, store.NewUserText("shared line")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	shareID, err := w.ws.CreateShare(convID)
	if err != nil {
		t.Fatalf("CreateShare: %v", err)
	}
	startWorker(t, w, url)

	viewer := dialApp(t, url, protocol.AuthPayload{DeviceType: protocol.DeviceViewer, ShareID: shareID})

	cmd, _ := json.Marshal(protocol.Command{RequestID: "v1", ShareID: shareID})
	viewer.send(protocol.Frame{Type: protocol.TypeShareHistory, Payload: cmd})

	res := viewer.result(t, viewer.await(protocol.ResponseType(protocol.TypeShareHistory)))
	if !res.Success || res.RequestID != "v1" {
		t.Fatalf("share_history result = %+v", res)
	}
	if res.ConversationID != int(convID) {
		t.Errorf("conversationId = %d, want %d", res.ConversationID, int(convID))
	}
	var msgs []store.Message
	if err := json.Unmarshal(res.Messages, &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "shared line" {
		t.Errorf("history = %+v", msgs)
	}
}

func TestWorkerSurvivesUnknownFrames(t *testing.T) {
	url := startHub(t)
	w, _ := newTestWorker(t)
	startWorker(t, w, url)

	app := dialApp(t, url, protocol.AuthPayload{DeviceType: protocol.DeviceApp})

	app.send(protocol.Frame{Type: "telemetry_blob", Payload: json.RawMessage(`{}`)})

	// The worker must still answer afterwards.
	cmd, _ := json.Marshal(protocol.Command{RequestID: "r1"})
	app.send(protocol.Frame{Type: protocol.CmdGetWorkspaces, Payload: cmd})
	res := app.result(t, app.await(protocol.ResponseType(protocol.CmdGetWorkspaces)))
	if !res.Success {
		t.Fatalf("get_workspaces after junk frame failed: %s", res.Error)
	}
}
