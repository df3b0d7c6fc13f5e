// Package toolserver implements the worker's local TCP callback surface.
// MCP tools running inside the SDK resolve their originating conversation
// through the beacon, then dial this server to act on it: linking documents,
// attaching files, reading status, spawning conversations. Requests are
// newline-delimited JSON, one response per request, errors never close the
// socket.
package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/store"
	"github.com/nextlevelbuilder/gopylon/internal/thumbs"
	"github.com/nextlevelbuilder/gopylon/internal/wirelog"
	"github.com/nextlevelbuilder/gopylon/internal/workspace"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// maxLineBytes bounds one request line.
const maxLineBytes = 1 << 20

// LookupFunc resolves a toolUseId to its conversation, normally by asking
// the beacon.
type LookupFunc func(ctx context.Context, toolUseID string) (ids.ConvID, error)

// Deps are the collaborators one server acts through. Lookup is required for
// the lookup_and_* actions; the callbacks are optional.
type Deps struct {
	Workspaces *workspace.Manager
	Store      store.MessageStore
	Thumbs     thumbs.Thumbnailer
	Lookup     LookupFunc

	// OnConversationCreate fires after lookup_and_create_conversation
	// commits, so the worker can announce the new conversation to apps.
	OnConversationCreate func(ids.ConvID)

	// OnFileAttachment fires after send_file persists its record. thumbnail
	// is a base64 JPEG, empty for non-images.
	OnFileAttachment func(convID ids.ConvID, path, description, thumbnail string)
}

// Server is the worker-side tool callback listener.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	frames *wirelog.Logger
	wg     sync.WaitGroup
}

// NewServer builds a tool server bound to addr ("host:port").
func NewServer(addr string, deps Deps) *Server {
	return &Server{
		addr:   addr,
		deps:   deps,
		logger: slog.Default(),
		frames: wirelog.New(slog.Default(), "tools"),
	}
}

// SetLogger replaces the structured logger.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
	s.frames = wirelog.New(l, "tools")
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tool server listen: %w", err)
	}
	s.logger.Info("tool server starting", "addr", ln.Addr().String())
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
			return fmt.Errorf("tool server accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, nc)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	// unblock the scanner on shutdown; idle sockets would otherwise pin Wait
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()
	peer := nc.RemoteAddr().String()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.frames.Frame(wirelog.DirIn, peer, line)

		var resp protocol.ToolResponse
		var req protocol.ToolRequest
		if err := json.Unmarshal(line, &req); err != nil {
			resp = fail("Invalid JSON format")
		} else {
			resp = s.dispatch(ctx, &req)
		}
		if err := s.write(nc, peer, resp); err != nil {
			return
		}
	}
}

func (s *Server) write(nc net.Conn, peer string, resp protocol.ToolResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	s.frames.Frame(wirelog.DirOut, peer, data)
	_, err = nc.Write(append(data, '\n'))
	return err
}

// lookupTargets maps each lookup_and_* action onto the direct action it
// delegates to once the conversation is known.
var lookupTargets = map[string]string{
	protocol.ToolActionLookupLink:      protocol.ToolActionLink,
	protocol.ToolActionLookupUnlink:    protocol.ToolActionUnlink,
	protocol.ToolActionLookupList:      protocol.ToolActionList,
	protocol.ToolActionLookupSendFile:  protocol.ToolActionSendFile,
	protocol.ToolActionLookupGetStatus: protocol.ToolActionGetStatus,
}

func (s *Server) dispatch(ctx context.Context, req *protocol.ToolRequest) protocol.ToolResponse {
	switch req.Action {
	case protocol.ToolActionLink:
		return s.link(req)
	case protocol.ToolActionUnlink:
		return s.unlink(req)
	case protocol.ToolActionList:
		return s.list(req)
	case protocol.ToolActionSendFile:
		return s.sendFile(req)
	case protocol.ToolActionGetStatus:
		return s.getStatus(req)
	case protocol.ToolActionLookupLink,
		protocol.ToolActionLookupUnlink,
		protocol.ToolActionLookupList,
		protocol.ToolActionLookupSendFile,
		protocol.ToolActionLookupGetStatus:
		return s.lookupAnd(ctx, req)
	case protocol.ToolActionLookupCreateConv:
		return s.lookupCreateConversation(ctx, req)
	default:
		return fail(fmt.Sprintf("Unknown action: %s", req.Action))
	}
}

// lookupAnd resolves toolUseId → convId and replays the request as its
// direct counterpart.
func (s *Server) lookupAnd(ctx context.Context, req *protocol.ToolRequest) protocol.ToolResponse {
	convID, resp, ok := s.resolve(ctx, req)
	if !ok {
		return resp
	}
	direct := *req
	direct.Action = lookupTargets[req.Action]
	direct.ConvID = int(convID)
	return s.dispatch(ctx, &direct)
}

func (s *Server) resolve(ctx context.Context, req *protocol.ToolRequest) (ids.ConvID, protocol.ToolResponse, bool) {
	if req.ToolUseID == "" {
		return 0, fail("toolUseId is required"), false
	}
	if s.deps.Lookup == nil {
		return 0, fail("lookup is not available"), false
	}
	convID, err := s.deps.Lookup(ctx, req.ToolUseID)
	if err != nil {
		return 0, fail(err.Error()), false
	}
	return convID, protocol.ToolResponse{}, true
}

func (s *Server) link(req *protocol.ToolRequest) protocol.ToolResponse {
	convID, resp, ok := convOf(req)
	if !ok {
		return resp
	}
	if req.Path == "" {
		return fail("path is required")
	}
	if err := s.deps.Workspaces.LinkDocument(convID, req.Path); err != nil {
		return fail(err.Error())
	}
	s.logger.Info("document linked", "convId", int(convID), "path", req.Path)
	return success()
}

func (s *Server) unlink(req *protocol.ToolRequest) protocol.ToolResponse {
	convID, resp, ok := convOf(req)
	if !ok {
		return resp
	}
	if req.Path == "" {
		return fail("path is required")
	}
	if err := s.deps.Workspaces.UnlinkDocument(convID, req.Path); err != nil {
		return fail(err.Error())
	}
	s.logger.Info("document unlinked", "convId", int(convID), "path", req.Path)
	return success()
}

func (s *Server) list(req *protocol.ToolRequest) protocol.ToolResponse {
	convID, resp, ok := convOf(req)
	if !ok {
		return resp
	}
	docs, err := s.deps.Workspaces.Documents(convID)
	if err != nil {
		return fail(err.Error())
	}
	out := success()
	out.Documents = docs
	return out
}

// sendFile validates the file, persists a fileAttachment record, and hands
// the attachment (plus thumbnail, when the file is an image) to the worker.
func (s *Server) sendFile(req *protocol.ToolRequest) protocol.ToolResponse {
	convID, resp, ok := convOf(req)
	if !ok {
		return resp
	}
	if req.Path == "" {
		return fail("path is required")
	}
	if _, _, err := s.deps.Workspaces.Conversation(convID); err != nil {
		return fail(err.Error())
	}

	path := workspace.NormalizePath(req.Path)
	if _, err := os.Stat(path); err != nil {
		return fail(fmt.Sprintf("path is not readable: %v", err))
	}

	var thumbnail string
	if s.deps.Thumbs != nil {
		t, err := s.deps.Thumbs.Thumbnail(path)
		if err != nil {
			s.logger.Warn("thumbnail failed", "path", path, "error", err)
		} else {
			thumbnail = t
		}
	}

	if err := s.deps.Store.Append(convID, store.NewFileAttachment(path, req.Description)); err != nil {
		return fail(err.Error())
	}
	if s.deps.OnFileAttachment != nil {
		s.deps.OnFileAttachment(convID, path, req.Description, thumbnail)
	}
	s.logger.Info("file attached", "convId", int(convID), "path", path, "thumbnail", thumbnail != "")
	return success()
}

func (s *Server) getStatus(req *protocol.ToolRequest) protocol.ToolResponse {
	convID, resp, ok := convOf(req)
	if !ok {
		return resp
	}
	ws, conv, err := s.deps.Workspaces.Conversation(convID)
	if err != nil {
		return fail(err.Error())
	}
	out := success()
	out.Status = &protocol.ConversationStatus{
		ConvID:        int(convID),
		Name:          conv.Name,
		Status:        conv.Status,
		WorkspaceName: ws.Name,
		WorkingDir:    ws.WorkingDir,
	}
	return out
}

// lookupCreateConversation spawns a sibling conversation in the workspace
// of the conversation the tool call came from.
func (s *Server) lookupCreateConversation(ctx context.Context, req *protocol.ToolRequest) protocol.ToolResponse {
	if req.Name == "" {
		return fail("name is required")
	}
	convID, resp, ok := s.resolve(ctx, req)
	if !ok {
		return resp
	}
	ws, _, err := s.deps.Workspaces.Conversation(convID)
	if err != nil {
		return fail(err.Error())
	}
	conv, err := s.deps.Workspaces.CreateConversation(ws.ID, req.Name)
	if err != nil {
		return fail(err.Error())
	}
	if s.deps.OnConversationCreate != nil {
		s.deps.OnConversationCreate(conv.ID)
	}
	s.logger.Info("conversation created via tool", "convId", int(conv.ID), "name", conv.Name)
	out := success()
	out.ConvID = int(conv.ID)
	return out
}

func convOf(req *protocol.ToolRequest) (ids.ConvID, protocol.ToolResponse, bool) {
	if req.ConvID == 0 {
		return 0, fail("conversationId is required"), false
	}
	return ids.ConvID(req.ConvID), protocol.ToolResponse{}, true
}

func success() protocol.ToolResponse { return protocol.ToolResponse{Success: true} }

func fail(msg string) protocol.ToolResponse { return protocol.ToolResponse{Error: msg} }
