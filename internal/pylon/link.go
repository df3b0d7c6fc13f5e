package pylon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/gopylon/internal/wirelog"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// maxFrameBytes bounds one inbound relay frame; share_history replies carry
// whole conversations.
const maxFrameBytes = 1 << 20

// handshakeTimeout bounds the connected/auth_result exchange.
const handshakeTimeout = 10 * time.Second

// link is one authenticated WebSocket connection to the relay hub, with a
// thread-safe write method.
type link struct {
	conn   *websocket.Conn
	peer   string
	frames *wirelog.Logger
	mu     sync.Mutex
}

// dialRelay connects and completes the auth exchange as a pylon: the hub
// greets with connected, we present our encoded deviceId, and anything but
// a successful auth_result fails the dial.
func dialRelay(ctx context.Context, relayURL string, deviceID int, frames *wirelog.Logger) (*link, error) {
	conn, _, err := websocket.Dial(ctx, relayURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{"gopylon"}},
	})
	if err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	l := &link{conn: conn, peer: relayURL, frames: frames}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := l.handshake(hctx, deviceID); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "auth failed")
		return nil, err
	}
	return l, nil
}

func (l *link) handshake(ctx context.Context, deviceID int) error {
	frame, err := l.read(ctx)
	if err != nil {
		return fmt.Errorf("relay greeting: %w", err)
	}
	if frame.Type != protocol.TypeConnected {
		return fmt.Errorf("relay greeting: unexpected %q frame", frame.Type)
	}

	auth := protocol.NewFrame(protocol.TypeAuth, protocol.AuthPayload{
		DeviceType: protocol.DevicePylon,
		DeviceID:   &deviceID,
	})
	if err := l.write(ctx, auth); err != nil {
		return fmt.Errorf("relay auth: %w", err)
	}

	// device_status broadcasts can interleave before the auth_result
	for {
		frame, err := l.read(ctx)
		if err != nil {
			return fmt.Errorf("relay auth result: %w", err)
		}
		switch frame.Type {
		case protocol.TypeAuthResult:
			var res protocol.AuthResult
			if err := json.Unmarshal(frame.Payload, &res); err != nil {
				return fmt.Errorf("relay auth result: %w", err)
			}
			if !res.Success {
				return fmt.Errorf("relay auth rejected: %s", res.Error)
			}
			return nil
		case protocol.TypeError:
			var ep protocol.ErrorPayload
			json.Unmarshal(frame.Payload, &ep)
			return fmt.Errorf("relay auth rejected: %s", ep.Error)
		}
	}
}

// read blocks for the next frame.
func (l *link) read(ctx context.Context) (protocol.Frame, error) {
	var frame protocol.Frame
	_, data, err := l.conn.Read(ctx)
	if err != nil {
		return frame, err
	}
	l.frames.Frame(wirelog.DirIn, l.peer, data)
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("relay frame: %w", err)
	}
	return frame, nil
}

// write sends one frame as a JSON text message. Thread-safe; routing
// replies and session-event fan-out share the socket.
func (l *link) write(ctx context.Context, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	l.frames.Frame(wirelog.DirOut, l.peer, data)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.Write(ctx, websocket.MessageText, data)
}

// close sends a close frame and shuts down the connection.
func (l *link) close(code websocket.StatusCode, reason string) {
	l.conn.Close(code, reason)
}

// closeCode extracts the close status from a read error; no close frame
// maps to 1006 abnormal closure.
func closeCode(err error) int {
	code := int(websocket.CloseStatus(err))
	if code == -1 {
		code = 1006
	}
	return code
}
