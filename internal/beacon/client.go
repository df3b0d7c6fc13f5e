package beacon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/sdk"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// DefaultTimeout bounds one-shot requests end to end.
const DefaultTimeout = 5 * time.Second

// ErrTransportClosed reports a peer that went away mid-request.
var ErrTransportClosed = errors.New("transport closed")

// Client is the worker-side beacon client. One-shot requests open a fresh
// connection each time and always close it; Query keeps its connection for
// the lifetime of the stream. Client implements sdk.Adapter so the session
// manager cannot tell whether it drives the SDK directly or through a
// beacon.
type Client struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the one-shot request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithClientLogger sets the structured logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient points a client at a beacon address.
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{addr: addr, timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register announces a pylon's MCP endpoint. The env travels explicitly so
// the beacon can refuse cross-environment registrations.
func (c *Client) Register(ctx context.Context, pid ids.PylonID, ep Endpoint, force bool) error {
	env, _, err := ids.DecodePylon(pid)
	if err != nil {
		return err
	}
	frame, err := c.oneShot(ctx, protocol.BeaconRequest{
		Action:  protocol.ActionRegister,
		PylonID: int(pid),
		McpHost: ep.McpHost,
		McpPort: ep.McpPort,
		Env:     env.String(),
		Force:   force,
	})
	if err != nil {
		return err
	}
	if !frame.IsSuccess() {
		return errors.New(frame.Error)
	}
	return nil
}

// Unregister removes a pylon's registry entry.
func (c *Client) Unregister(ctx context.Context, pid ids.PylonID) error {
	frame, err := c.oneShot(ctx, protocol.BeaconRequest{
		Action:  protocol.ActionUnregister,
		PylonID: int(pid),
	})
	if err != nil {
		return err
	}
	if !frame.IsSuccess() {
		return errors.New(frame.Error)
	}
	return nil
}

// LookupResult is the resolved routing target for a tool invocation.
type LookupResult struct {
	ConvID  ids.ConvID
	McpHost string
	McpPort int
	Raw     json.RawMessage
}

// Lookup resolves a toolUseId to the conversation and tool-server endpoint
// that own it.
func (c *Client) Lookup(ctx context.Context, toolUseID string) (*LookupResult, error) {
	frame, err := c.oneShot(ctx, protocol.BeaconRequest{
		Action:    protocol.ActionLookup,
		ToolUseID: toolUseID,
	})
	if err != nil {
		return nil, err
	}
	if !frame.IsSuccess() {
		return nil, errors.New(frame.Error)
	}
	return &LookupResult{
		ConvID:  ids.ConvID(frame.ConvID),
		McpHost: frame.McpHost,
		McpPort: frame.McpPort,
		Raw:     frame.Raw,
	}, nil
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	frame, err := c.oneShot(ctx, protocol.BeaconRequest{Action: protocol.ActionPing})
	if err != nil {
		return err
	}
	if frame.Type != protocol.BeaconPong {
		return fmt.Errorf("unexpected ping reply: %q", frame.Type)
	}
	return nil
}

// RespondPermission delivers a decision for a parked permission request.
func (c *Client) RespondPermission(ctx context.Context, toolUseID string, res sdk.PermissionResult) error {
	frame, err := c.oneShot(ctx, protocol.BeaconRequest{
		Action:       protocol.ActionPermissionResponse,
		ToolUseID:    toolUseID,
		Behavior:     res.Behavior,
		Message:      res.Message,
		UpdatedInput: res.UpdatedInput,
	})
	if err != nil {
		return err
	}
	if !frame.IsSuccess() {
		return errors.New(frame.Error)
	}
	return nil
}

// oneShot opens a connection, writes one request, reads one response line,
// and closes. The socket is cleaned up on every path.
func (c *Client) oneShot(ctx context.Context, req protocol.BeaconRequest) (protocol.BeaconFrame, error) {
	var frame protocol.BeaconFrame
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return frame, fmt.Errorf("beacon dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return frame, fmt.Errorf("beacon write: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return frame, fmt.Errorf("beacon read: %w", err)
		}
		return frame, ErrTransportClosed
	}
	if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
		return frame, fmt.Errorf("beacon response: %w", err)
	}
	return frame, nil
}

// Query implements sdk.Adapter over the beacon wire. Events are decoded and
// handed to onMessage in stream order; permission_request frames invoke
// req.CanUseTool and answer through a separate one-shot connection, keeping
// this read loop free.
func (c *Client) Query(ctx context.Context, req sdk.QueryRequest, onMessage func(sdk.Message) error) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("beacon dial: %w", err)
	}
	defer conn.Close()

	// unblock the read loop when the turn is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	wire := protocol.BeaconRequest{
		Action:         protocol.ActionQuery,
		ConversationID: req.ConversationID,
		Options: &protocol.QueryOptions{
			Prompt:                 req.Prompt,
			Cwd:                    req.Cwd,
			Resume:                 req.Resume,
			PermissionMode:         req.PermissionMode,
			IncludePartialMessages: req.IncludePartialMessages,
			SettingSources:         req.SettingSources,
			McpServers:             req.McpServers,
			Env:                    req.Env,
			SystemPrompt:           req.SystemPrompt,
		},
	}
	if err := json.NewEncoder(conn).Encode(wire); err != nil {
		return fmt.Errorf("beacon write: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var frame protocol.BeaconFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			c.logger.Warn("dropping malformed beacon frame", "error", err)
			continue
		}
		switch {
		case frame.Type == protocol.BeaconEvent:
			var msg sdk.Message
			if err := json.Unmarshal(frame.Message, &msg); err != nil {
				c.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			if err := onMessage(msg); err != nil {
				return err
			}
		case frame.Type == protocol.BeaconPermissionRequest:
			wg.Add(1)
			go func(f protocol.BeaconFrame) {
				defer wg.Done()
				c.answerPermission(ctx, req.CanUseTool, f)
			}(frame)
		case frame.Type == protocol.BeaconError:
			return &sdk.AdapterError{Err: errors.New(frame.Error)}
		case frame.Success != nil:
			if frame.IsSuccess() {
				return nil
			}
			return &sdk.AdapterError{Err: errors.New(frame.Error)}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("beacon stream: %w", err)
	}
	return ErrTransportClosed
}

// answerPermission runs the local permission gate and reports the decision.
// The response rides its own connection with a fresh context so a denial
// still reaches the beacon after the turn is cancelled.
func (c *Client) answerPermission(ctx context.Context, gate sdk.CanUseToolFunc, f protocol.BeaconFrame) {
	res := sdk.Deny("no permission handler")
	if gate != nil {
		if r, err := gate(ctx, f.ToolName, f.Input, f.ToolUseID); err == nil {
			res = r
		}
	}
	sendCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.RespondPermission(sendCtx, f.ToolUseID, res); err != nil {
		c.logger.Warn("permission response failed", "toolUseId", f.ToolUseID, "error", err)
	}
}
