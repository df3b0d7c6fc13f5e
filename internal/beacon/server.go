// Package beacon implements the TCP multiplexer that owns the process's one
// LLM SDK instance and fronts it for many worker processes. Requests are
// newline-delimited JSON; queries stream events back on the requesting
// socket while registrations, lookups, and permission responses are
// one-shots. The pylon registry deliberately outlives TCP connections so a
// worker can restart without invalidating in-flight tool callbacks.
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

	"github.com/nextlevelbuilder/gopylon/internal/config"
	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/sdk"
	"github.com/nextlevelbuilder/gopylon/internal/tracing"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// maxLineBytes bounds one request line; tool inputs can carry whole files.
const maxLineBytes = 1 << 20

// Endpoint is where a registered pylon's MCP tool server listens.
type Endpoint struct {
	McpHost string `json:"mcpHost"`
	McpPort int    `json:"mcpPort"`
}

// ToolContext remembers which conversation a tool invocation belongs to.
// Entries are created when a tool_use content block starts streaming and
// are kept for the process lifetime.
type ToolContext struct {
	ConvID ids.ConvID      `json:"convId"`
	Raw    json.RawMessage `json:"raw"`
}

// Server is the beacon multiplexer.
type Server struct {
	cfg     *config.Config
	env     ids.Env
	adapter sdk.Adapter
	logger  *slog.Logger

	mu          sync.Mutex
	registry    map[ids.PylonID]Endpoint
	active      map[*conn]ids.PylonID
	toolContext map[string]ToolContext
	pending     map[string]chan sdk.PermissionResult

	wg sync.WaitGroup
}

// NewServer wires a beacon to its adapter. The config's env decides which
// pylons may register.
func NewServer(cfg *config.Config, adapter sdk.Adapter) (*Server, error) {
	env, err := ids.ParseEnv(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("beacon env: %w", err)
	}
	return &Server{
		cfg:         cfg,
		env:         env,
		adapter:     adapter,
		logger:      slog.Default(),
		registry:    make(map[ids.PylonID]Endpoint),
		active:      make(map[*conn]ids.PylonID),
		toolContext: make(map[string]ToolContext),
		pending:     make(map[string]chan sdk.PermissionResult),
	}, nil
}

// SetLogger replaces the structured logger.
func (s *Server) SetLogger(l *slog.Logger) { s.logger = l }

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BeaconAddr())
	if err != nil {
		return fmt.Errorf("beacon listen: %w", err)
	}
	s.logger.Info("beacon starting", "addr", ln.Addr().String(), "env", s.env.String())
	return s.serve(ctx, ln)
}

// StartTestServer listens on an ephemeral localhost port and returns the
// bound address with a blocking start function. Used for integration tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	return ln.Addr().String(), func() { s.serve(ctx, ln) }
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("beacon accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, nc)
		}()
	}
}

// conn serializes writes to one socket; streams and one-shot responses can
// interleave on the same connection.
type conn struct {
	nc  net.Conn
	mu  sync.Mutex
	enc *json.Encoder
}

func (c *conn) write(f protocol.BeaconFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(f)
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	c := &conn{nc: nc, enc: json.NewEncoder(nc)}
	defer func() {
		s.dropConn(c)
		nc.Close()
	}()
	// unblock the scanner on shutdown; idle sockets would otherwise pin Wait
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req protocol.BeaconRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := c.write(protocol.Fail("Invalid JSON format")); err != nil {
				return
			}
			continue
		}
		s.dispatch(ctx, c, &req)
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, req *protocol.BeaconRequest) {
	switch req.Action {
	case protocol.ActionRegister:
		c.write(s.register(c, req))
	case protocol.ActionUnregister:
		c.write(s.unregister(req))
	case protocol.ActionQuery:
		// streaming; the read loop stays free for permission responses
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.query(ctx, c, req)
		}()
	case protocol.ActionPermissionResponse:
		s.resolvePermission(req)
		c.write(protocol.OK())
	case protocol.ActionLookup:
		c.write(s.lookup(req))
	case protocol.ActionPing:
		c.write(protocol.BeaconFrame{Type: protocol.BeaconPong})
	default:
		c.write(protocol.Fail(fmt.Sprintf("Unknown action: %s", req.Action)))
	}
}

func (s *Server) register(c *conn, req *protocol.BeaconRequest) protocol.BeaconFrame {
	pid := ids.PylonID(req.PylonID)
	env, _, err := ids.DecodePylon(pid)
	if err != nil {
		return protocol.Fail(fmt.Sprintf("invalid pylonId: %d", req.PylonID))
	}
	reqEnv := env
	if req.Env != "" {
		parsed, err := ids.ParseEnv(req.Env)
		if err != nil {
			return protocol.Fail(fmt.Sprintf("invalid env: %s", req.Env))
		}
		reqEnv = parsed
	}
	if reqEnv != s.env || env != s.env {
		return protocol.Fail(fmt.Sprintf(
			"등록 거부: Beacon은 자기 자신 환경(%s)의 Pylon만 등록할 수 있습니다", s.env))
	}
	if req.Force && s.env != ids.EnvStage {
		return protocol.Fail("force 등록은 stage 환경에서만 허용됩니다")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.registry[pid]; dup && !req.Force {
		return protocol.Fail(fmt.Sprintf("Pylon %d is already registered", pid))
	}
	s.registry[pid] = Endpoint{McpHost: req.McpHost, McpPort: req.McpPort}
	s.active[c] = pid
	s.logger.Info("pylon registered", "pylonId", int(pid), "mcp", fmt.Sprintf("%s:%d", req.McpHost, req.McpPort))
	return protocol.OK()
}

func (s *Server) unregister(req *protocol.BeaconRequest) protocol.BeaconFrame {
	pid := ids.PylonID(req.PylonID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registry[pid]; !ok {
		return protocol.Fail(fmt.Sprintf("Pylon %d is not registered", pid))
	}
	delete(s.registry, pid)
	s.logger.Info("pylon unregistered", "pylonId", int(pid))
	return protocol.OK()
}

// query runs one turn for a worker. Every SDK message is forwarded as an
// event frame; tool_use block starts are recorded in the tool-context map
// so MCP callbacks can route back later. The stream terminates with a bare
// success frame, or a type:error frame on failure.
func (s *Server) query(ctx context.Context, c *conn, req *protocol.BeaconRequest) {
	convID := ids.ConvID(req.Conversation())
	if convID == 0 {
		c.write(protocol.Fail("conversationId is required"))
		return
	}
	if req.Options == nil {
		c.write(protocol.Fail("query options are required"))
		return
	}
	ctx, span := tracing.Start(ctx, "beacon.query",
		tracing.ConvID(int(convID)), tracing.PylonID(int(convID.Pylon())))
	s.adopt(c, convID)

	opts := req.Options
	qreq := sdk.QueryRequest{
		Prompt:                 opts.Prompt,
		Cwd:                    opts.Cwd,
		ConversationID:         int(convID),
		IncludePartialMessages: opts.IncludePartialMessages,
		SettingSources:         opts.SettingSources,
		Resume:                 opts.Resume,
		PermissionMode:         opts.PermissionMode,
		SystemPrompt:           opts.SystemPrompt,
		McpServers:             opts.McpServers,
		Env:                    opts.Env,
		CanUseTool:             s.canUseTool(c, convID),
	}

	err := s.adapter.Query(ctx, qreq, func(msg sdk.Message) error {
		if toolUseID, _, ok := msg.ToolUseStart(); ok {
			s.recordToolContext(toolUseID, convID, msg.Event.ContentBlock)
		}
		return c.write(protocol.BeaconFrame{
			Type:           protocol.BeaconEvent,
			ConversationID: int(convID),
			Message:        msg.Raw,
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("query failed", "convId", int(convID), "error", err)
		tracing.End(span, err)
		c.write(protocol.BeaconFrame{
			Type:           protocol.BeaconError,
			ConversationID: int(convID),
			Error:          err.Error(),
		})
		return
	}
	tracing.End(span, nil)
	c.write(protocol.OK())
}

func (s *Server) recordToolContext(toolUseID string, convID ids.ConvID, block *sdk.ContentBlock) {
	raw, err := json.Marshal(block)
	if err != nil {
		raw = nil
	}
	s.mu.Lock()
	s.toolContext[toolUseID] = ToolContext{ConvID: convID, Raw: raw}
	s.mu.Unlock()
}

// adopt maps an unregistered query socket to its pylon so clients that open
// a new socket per request still count as connected.
func (s *Server) adopt(c *conn, convID ids.ConvID) {
	pid := convID.Pylon()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, mapped := s.active[c]; mapped {
		return
	}
	if _, registered := s.registry[pid]; registered {
		s.active[c] = pid
	}
}

// canUseTool forwards a permission decision to the requesting worker: a
// permission_request frame goes out on the query socket and the parked
// resolver completes when any connection delivers the matching
// permission_response.
func (s *Server) canUseTool(c *conn, convID ids.ConvID) sdk.CanUseToolFunc {
	return func(ctx context.Context, toolName string, input map[string]any, toolUseID string) (sdk.PermissionResult, error) {
		ch := make(chan sdk.PermissionResult, 1)
		s.mu.Lock()
		s.pending[toolUseID] = ch
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.pending, toolUseID)
			s.mu.Unlock()
		}()

		err := c.write(protocol.BeaconFrame{
			Type:           protocol.BeaconPermissionRequest,
			ConversationID: int(convID),
			ToolName:       toolName,
			Input:          input,
			ToolUseID:      toolUseID,
		})
		if err != nil {
			return sdk.PermissionResult{}, fmt.Errorf("permission request: %w", err)
		}

		select {
		case res := <-ch:
			return res, nil
		case <-ctx.Done():
			return sdk.Deny("Cancelled"), nil
		}
	}
}

// resolvePermission delivers a decision to a parked canUseTool. Unknown
// ids are dropped silently.
func (s *Server) resolvePermission(req *protocol.BeaconRequest) {
	s.mu.Lock()
	ch, ok := s.pending[req.ToolUseID]
	if ok {
		delete(s.pending, req.ToolUseID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	ch <- sdk.PermissionResult{
		Behavior:     req.Behavior,
		UpdatedInput: req.UpdatedInput,
		Message:      req.Message,
	}
}

// lookup joins a tool context with the registry so an MCP callback can find
// the tool server of the pylon that owns the invocation.
func (s *Server) lookup(req *protocol.BeaconRequest) protocol.BeaconFrame {
	if req.ToolUseID == "" {
		return protocol.Fail("toolUseId is required")
	}
	s.mu.Lock()
	tc, ok := s.toolContext[req.ToolUseID]
	s.mu.Unlock()
	if !ok {
		return protocol.Fail(fmt.Sprintf("toolUseId %s not found", req.ToolUseID))
	}

	pid := tc.ConvID.Pylon()
	s.mu.Lock()
	ep, ok := s.registry[pid]
	s.mu.Unlock()
	if !ok {
		return protocol.Fail(fmt.Sprintf("pylon %d not found in registry", pid))
	}

	frame := protocol.OK()
	frame.ConvID = int(tc.ConvID)
	frame.McpHost = ep.McpHost
	frame.McpPort = ep.McpPort
	frame.Raw = tc.Raw
	return frame
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	pid, ok := s.active[c]
	delete(s.active, c)
	s.mu.Unlock()
	if ok {
		s.logger.Info("pylon connection closed", "pylonId", int(pid))
	}
}

// Registered reports whether a pylon currently has a registry entry.
func (s *Server) Registered(pid ids.PylonID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registry[pid]
	return ok
}

// ActiveConnections counts sockets currently mapped to a pylon, adopted
// ones included.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
