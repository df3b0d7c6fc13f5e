// Package pylon implements the worker process's relay side: one WebSocket
// connection to the hub, the command vocabulary apps drive conversations
// with, and the session-event fan-out. The worker owns a workspace tree and
// a message store; turns run through a session manager whose adapter is the
// beacon client.
package pylon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/gopylon/internal/config"
	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/session"
	"github.com/nextlevelbuilder/gopylon/internal/store"
	"github.com/nextlevelbuilder/gopylon/internal/wirelog"
	"github.com/nextlevelbuilder/gopylon/internal/workspace"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// writeTimeout bounds one frame write to the hub.
const writeTimeout = 10 * time.Second

// reconnectDelays is the backoff ladder after a lost hub connection; the
// last entry repeats. A successful auth resets the ladder.
var reconnectDelays = []time.Duration{
	time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
}

// Sessions is the slice of the session manager the worker drives.
type Sessions interface {
	SendMessage(ctx context.Context, convID ids.ConvID, prompt string, opts session.TurnOptions) error
	Stop(convID ids.ConvID)
	RespondPermission(convID ids.ConvID, toolUseID, decision string)
	RespondQuestion(convID ids.ConvID, toolUseID, answer string)
	AbortAllSessions()
}

// Worker is one pylon's relay presence.
type Worker struct {
	pylonID  ids.PylonID
	relayURL string

	ws       *workspace.Manager
	store    store.MessageStore
	sessions Sessions
	logger   *slog.Logger
	frames   *wirelog.Logger

	mu   sync.Mutex
	link *link

	runCtx context.Context
	wg     sync.WaitGroup
}

// NewWorker wires a worker to its tree, log, and session manager. The relay
// endpoint comes from the config.
func NewWorker(cfg *config.Config, ws *workspace.Manager, st store.MessageStore, sessions Sessions) *Worker {
	return &Worker{
		pylonID:  ws.PylonID(),
		relayURL: cfg.Pylon.RelayURL,
		ws:       ws,
		store:    st,
		sessions: sessions,
		logger:   slog.Default(),
		frames:   wirelog.New(slog.Default(), "relay"),
	}
}

// SetLogger replaces the structured logger.
func (w *Worker) SetLogger(l *slog.Logger) {
	w.logger = l
	w.frames = wirelog.New(l, "relay")
}

// Run connects to the relay and serves until ctx is done, reconnecting with
// backoff on lost connections. Conversations a previous process left
// working are reset to idle before the first connect.
func (w *Worker) Run(ctx context.Context) error {
	w.runCtx = ctx

	reset, err := w.ws.ResetActiveConversations()
	if err != nil {
		return fmt.Errorf("reset conversations: %w", err)
	}
	if len(reset) > 0 {
		w.logger.Info("reset stale conversation statuses", "count", len(reset))
	}

	attempt := 0
	for {
		err := w.runOnce(ctx, &attempt)
		if ctx.Err() != nil {
			w.sessions.AbortAllSessions()
			w.wg.Wait()
			return nil
		}
		delay := reconnectDelays[min(attempt, len(reconnectDelays)-1)]
		attempt++
		w.logger.Warn("relay connection lost", "error", err, "retryIn", delay)
		select {
		case <-ctx.Done():
			w.sessions.AbortAllSessions()
			w.wg.Wait()
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce holds one connection from dial to read failure. attempt resets
// once auth succeeds so a stable link starts future retries fresh.
func (w *Worker) runOnce(ctx context.Context, attempt *int) error {
	l, err := dialRelay(ctx, w.relayURL, int(w.pylonID), w.frames)
	if err != nil {
		return err
	}
	*attempt = 0
	w.setLink(l)
	defer w.setLink(nil)
	defer l.close(websocket.StatusNormalClosure, "shutting down")
	w.logger.Info("relay connected", "url", w.relayURL, "deviceId", int(w.pylonID))

	for {
		frame, err := l.read(ctx)
		if err != nil {
			return fmt.Errorf("relay read (close code %d): %w", closeCode(err), err)
		}
		w.handleFrame(frame)
	}
}

func (w *Worker) setLink(l *link) {
	w.mu.Lock()
	w.link = l
	w.mu.Unlock()
}

func (w *Worker) handleFrame(frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeConnected, protocol.TypeAuthResult,
		protocol.TypeDeviceStatus, protocol.TypeDeviceList, protocol.TypePong:
		// handshake echoes and roster updates need no action
	case protocol.TypeClientDisconnect:
		w.logger.Debug("relay client disconnected", "payload", string(frame.Payload))
	case protocol.TypeError:
		var ep protocol.ErrorPayload
		_ = json.Unmarshal(frame.Payload, &ep)
		w.logger.Warn("relay error frame", "error", ep.Error)
	case protocol.TypeShareHistory:
		w.handleShareHistory(frame)
	default:
		if _, ok := commandSet[frame.Type]; ok {
			w.handleCommand(frame)
			return
		}
		w.logger.Debug("unhandled relay frame", "type", frame.Type)
	}
}

// send writes one frame to the current connection. Frames are dropped when
// the hub is unreachable; apps resync from the store after reconnecting.
func (w *Worker) send(frame protocol.Frame) {
	w.mu.Lock()
	l := w.link
	w.mu.Unlock()
	if l == nil {
		w.logger.Debug("relay frame dropped, not connected", "type", frame.Type)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := l.write(ctx, frame); err != nil {
		w.logger.Debug("relay write failed", "type", frame.Type, "error", err)
	}
}

// reply answers a routed frame, addressed back to its sender.
func (w *Worker) reply(req protocol.Frame, res protocol.CommandResult) {
	if req.From == nil {
		return
	}
	f := protocol.NewFrame(protocol.ResponseType(req.Type), res)
	f.To = req.From.DeviceID
	w.send(f)
}

// AnnounceWorkspaces broadcasts the current tree to apps. Command handlers
// call it after mutations; the tool server calls it through its
// conversation-create hook.
func (w *Worker) AnnounceWorkspaces() {
	tree, err := json.Marshal(w.ws.List())
	if err != nil {
		w.logger.Error("marshal workspace tree", "error", err)
		return
	}
	activeWS, activeConv := w.ws.Active()
	f := protocol.NewFrame(protocol.TypeWorkspacesChanged, protocol.WorkspacesChangedPayload{
		Workspaces:           tree,
		ActiveWorkspaceID:    int(activeWS),
		ActiveConversationID: int(activeConv),
	})
	f.Broadcast = protocol.DeviceApp
	w.send(f)
}

// AnnounceFile broadcasts a send_file attachment to apps. The tool server
// calls it through its file hook.
func (w *Worker) AnnounceFile(convID ids.ConvID, path, description, thumbnail string) {
	f := protocol.NewFrame(protocol.TypeFileShared, protocol.FileSharedPayload{
		ConversationID: int(convID),
		Path:           path,
		Description:    description,
		Thumbnail:      thumbnail,
	})
	f.Broadcast = protocol.DeviceApp
	w.send(f)
}
