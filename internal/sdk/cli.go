package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// maxStreamLineBytes bounds one NDJSON line from the CLI; assistant
	// messages can embed whole file contents.
	maxStreamLineBytes = 4 << 20

	// maxStderrBytes is how much trailing stderr an error report keeps.
	maxStderrBytes = 8 << 10

	// exitGrace is how long the CLI gets to exit after stdin closes before
	// the process is killed.
	exitGrace = 3 * time.Second
)

// CLIAdapter runs each turn as one claude CLI subprocess speaking the
// stream-json protocol: the prompt goes in as a user message on stdin,
// events come back as NDJSON on stdout, and tool permissions round-trip as
// control_request/control_response pairs on the same pipes.
type CLIAdapter struct {
	// Binary overrides the executable name; empty means "claude".
	Binary string
	// Logger replaces slog.Default for subprocess diagnostics.
	Logger *slog.Logger
}

func (a *CLIAdapter) binary() string {
	if a.Binary != "" {
		return a.Binary
	}
	return "claude"
}

func (a *CLIAdapter) log() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// buildArgs maps a QueryRequest onto CLI flags. The prompt is not an
// argument; it is written to stdin as a stream-json user message.
func buildArgs(req QueryRequest) ([]string, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if req.CanUseTool != nil {
		args = append(args, "--permission-prompt-tool", "stdio")
	}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if len(req.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(req.SettingSources, ","))
	}
	if len(req.McpServers) > 0 {
		cfg, err := json.Marshal(map[string]any{"mcpServers": req.McpServers})
		if err != nil {
			return nil, fmt.Errorf("marshal mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(cfg))
	}
	return args, nil
}

// Query spawns the CLI, feeds it one user message, and forwards every
// stream event to onMessage until the result message or a failure. The
// subprocess dies with ctx.
func (a *CLIAdapter) Query(ctx context.Context, req QueryRequest, onMessage func(Message) error) error {
	args, err := buildArgs(req)
	if err != nil {
		return &AdapterError{Err: err}
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.binary(), args...)
	cmd.Dir = req.Cwd
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stderr := &tailBuffer{}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &AdapterError{Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &AdapterError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return &AdapterError{Err: fmt.Errorf("start %s: %w", a.binary(), err)}
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	in := &stdinWriter{w: stdin}
	if err := in.send(userMessage(req.Prompt)); err != nil {
		cancel()
		<-exited
		return &AdapterError{Err: fmt.Errorf("send prompt: %w", err)}
	}

	var (
		handlers   sync.WaitGroup
		cbErr      error
		resultSeen bool
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cr controlRequest
		if err := json.Unmarshal(line, &cr); err != nil {
			a.log().Warn("unparseable stream line", "error", err)
			continue
		}
		switch cr.Type {
		case "control_request":
			handlers.Add(1)
			go func(cr controlRequest) {
				defer handlers.Done()
				a.answerControl(ctx, req.CanUseTool, in, cr)
			}(cr)
			continue
		case "control_response", "control_cancel_request":
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			a.log().Warn("unparseable stream message", "error", err)
			continue
		}
		if err := onMessage(msg); err != nil {
			cbErr = err
			cancel()
			break
		}
		if msg.Type == MessageResult {
			resultSeen = true
			break
		}
	}
	readErr := scanner.Err()

	in.close()
	if !resultSeen {
		// a gate parked on a user decision resolves on cancellation; a dead
		// CLI must not leave handlers waiting for an answer that cannot come
		cancel()
	}
	handlers.Wait()

	var waitErr error
	select {
	case waitErr = <-exited:
	case <-time.After(exitGrace):
		cancel()
		waitErr = <-exited
	}

	switch {
	case cbErr != nil:
		return cbErr
	case parent.Err() != nil && !resultSeen:
		return parent.Err()
	case !resultSeen:
		detail := stderr.String()
		if readErr != nil {
			return &AdapterError{Err: fmt.Errorf("read stream: %w", readErr)}
		}
		if waitErr != nil {
			return &AdapterError{Err: fmt.Errorf("%s exited before result: %w%s", a.binary(), waitErr, detail)}
		}
		return &AdapterError{Err: fmt.Errorf("%s closed stream before result%s", a.binary(), detail)}
	}
	return nil
}

// answerControl resolves one control_request. can_use_tool consults the
// caller's gate; anything else is acknowledged so the CLI does not stall.
func (a *CLIAdapter) answerControl(ctx context.Context, gate CanUseToolFunc, in *stdinWriter, cr controlRequest) {
	resp := controlResponse{Type: "control_response"}
	resp.Response.RequestID = cr.RequestID
	resp.Response.Subtype = "success"

	if cr.Request.Subtype == "can_use_tool" {
		toolUseID := cr.Request.ToolUseID
		if toolUseID == "" {
			toolUseID = cr.RequestID
		}
		res := Allow(cr.Request.Input)
		if gate != nil {
			var err error
			res, err = gate(ctx, cr.Request.ToolName, cr.Request.Input, toolUseID)
			if err != nil {
				resp.Response.Subtype = "error"
				resp.Response.Error = err.Error()
				res = PermissionResult{}
			}
		}
		if resp.Response.Subtype == "success" {
			resp.Response.Response = &res
		}
	}

	if err := in.send(resp); err != nil && ctx.Err() == nil {
		a.log().Warn("control response write failed", "requestId", cr.RequestID, "error", err)
	}
}

// controlRequest doubles as the type probe for every stdout line; only the
// control fields are populated on non-control messages, all of which are
// absent there.
type controlRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype   string         `json:"subtype"`
		ToolName  string         `json:"tool_name"`
		Input     map[string]any `json:"input"`
		ToolUseID string         `json:"tool_use_id"`
	} `json:"request"`
}

type controlResponse struct {
	Type     string `json:"type"`
	Response struct {
		Subtype   string            `json:"subtype"`
		RequestID string            `json:"request_id"`
		Response  *PermissionResult `json:"response,omitempty"`
		Error     string            `json:"error,omitempty"`
	} `json:"response"`
}

func userMessage(prompt string) map[string]any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": []map[string]any{{"type": "text", "text": prompt}},
		},
	}
}

// stdinWriter serializes stdin writes; the prompt and concurrent control
// responses share the pipe.
type stdinWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (s *stdinWriter) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stdin closed")
	}
	_, err = s.w.Write(append(data, '\n'))
	return err
}

func (s *stdinWriter) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		_ = s.w.Close()
	}
}

// tailBuffer keeps the last maxStderrBytes of whatever is written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > maxStderrBytes {
		t.buf = t.buf[len(t.buf)-maxStderrBytes:]
	}
	return len(p), nil
}

// String renders the tail as an error suffix, empty when nothing was
// written.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimSpace(string(t.buf))
	if s == "" {
		return ""
	}
	return ": " + s
}
