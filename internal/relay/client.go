package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// maxFrameBytes bounds one inbound frame; share_history payloads carry
// whole conversations.
const maxFrameBytes = 1 << 20

// Client is one WebSocket connection to the hub. Identity is nil until the
// auth exchange succeeds; until then every non-auth frame is refused.
type Client struct {
	id       string
	conn     *websocket.Conn
	srv      *Server
	remoteIP string
	limiter  *rate.Limiter

	writeMu sync.Mutex

	mu      sync.RWMutex
	device  *protocol.Device
	shareID string
}

func newClient(conn *websocket.Conn, srv *Server, remoteIP string) *Client {
	conn.SetReadLimit(maxFrameBytes)

	var limiter *rate.Limiter
	if rl := srv.relayConfig().RateLimit; rl.PerSecond > 0 && rl.Burst > 0 {
		limiter = rate.NewLimiter(rate.Limit(rl.PerSecond), rl.Burst)
	}

	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		srv:      srv,
		remoteIP: remoteIP,
		limiter:  limiter,
	}
}

// Run reads frames until the connection drops. One goroutine per
// connection; dispatch is synchronous so per-sender order holds.
func (c *Client) Run(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.send(protocol.NewErrorFrame("rate limit exceeded"))
		return
	}

	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.send(protocol.NewErrorFrame("Invalid JSON format"))
		return
	}

	if frame.Type == protocol.TypeAuth {
		c.srv.handleAuth(ctx, c, frame.Payload)
		return
	}

	if !c.authenticated() {
		c.send(protocol.NewErrorFrame("Not authenticated"))
		return
	}

	switch frame.Type {
	case protocol.TypeGetDevices, protocol.TypeGetDevicesAlias:
		c.send(protocol.NewFrame(protocol.TypeDeviceList, protocol.DeviceRoster{Devices: c.srv.roster()}))
	case protocol.TypePing:
		c.send(protocol.Frame{Type: protocol.TypePong})
	default:
		c.srv.route(c, frame)
	}
}

// send writes one frame. Writes are serialized; routing goroutines and the
// connection's own dispatch share the socket.
func (c *Client) send(frame protocol.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(frame); err != nil {
		c.srv.logger.Debug("relay write failed", "conn", c.id, "error", err)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// closeGoingAway writes a close frame so well-behaved peers stop cleanly,
// then drops the connection. Used on server shutdown.
func (c *Client) closeGoingAway() {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

func (c *Client) setIdentity(dev protocol.Device, shareID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = &dev
	c.shareID = shareID
}

// identity returns a copy of the device identity; ok is false before auth.
func (c *Client) identity() (protocol.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.device == nil {
		return protocol.Device{}, false
	}
	return *c.device, true
}

func (c *Client) authenticated() bool {
	_, ok := c.identity()
	return ok
}

// ShareID returns the viewer's share token, empty for other device types.
func (c *Client) ShareID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shareID
}
