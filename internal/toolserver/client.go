package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// DefaultClientTimeout bounds one request end to end.
const DefaultClientTimeout = 10 * time.Second

// ErrClosed reports a tool server that went away mid-request.
var ErrClosed = errors.New("tool server closed connection")

// Client issues one-shot requests against a worker tool server. Each call
// opens a fresh connection, writes one line, reads one line, and closes.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient points a client at a tool-server address.
func NewClient(addr string) *Client {
	return &Client{addr: addr, timeout: DefaultClientTimeout}
}

// Do sends one request and decodes the single-line response. Protocol-level
// failures come back in the response; only transport failures error.
func (c *Client) Do(ctx context.Context, req protocol.ToolRequest) (protocol.ToolResponse, error) {
	var res protocol.ToolResponse
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return res, fmt.Errorf("tool server dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return res, fmt.Errorf("tool server write: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return res, fmt.Errorf("tool server read: %w", err)
		}
		return res, ErrClosed
	}
	if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
		return res, fmt.Errorf("tool server response: %w", err)
	}
	return res, nil
}
