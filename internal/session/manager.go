// Package session drives conversational turns against the LLM SDK adapter:
// one manager per worker process, at most one active turn per conversation.
// Every observable change travels through a single injected event consumer
// in stream order, and a stop pre-empts the turn at its next suspension
// point.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/sdk"
	"github.com/nextlevelbuilder/gopylon/internal/tracing"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// Truncation limits for toolComplete events.
const (
	maxEventOutputChars = 1000
	maxEventErrorChars  = 200
)

// preemptWait bounds how long a new turn waits for the one it cancelled.
const preemptWait = 200 * time.Millisecond

// TurnOptions carries the per-turn context sendMessage needs.
type TurnOptions struct {
	WorkingDir      string
	ClaudeSessionID string
	PermissionMode  string
	SystemPrompt    string
	SystemReminder  string
}

// Manager owns every live session for one worker process.
type Manager struct {
	adapter sdk.Adapter
	rules   Rules
	emit    Consumer
	logger  *slog.Logger

	settingSources []string
	mcpServers     map[string]protocol.McpServerConfig
	env            map[string]string

	mu       sync.Mutex
	sessions map[ids.ConvID]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithRules replaces the default permission rule set.
func WithRules(r Rules) Option {
	return func(m *Manager) { m.rules = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithSettingSources sets the SDK setting sources forwarded on every query.
func WithSettingSources(sources []string) Option {
	return func(m *Manager) { m.settingSources = sources }
}

// WithMcpServers sets the MCP servers forwarded on every query.
func WithMcpServers(servers map[string]protocol.McpServerConfig) Option {
	return func(m *Manager) { m.mcpServers = servers }
}

// WithEnv sets extra environment forwarded on every query.
func WithEnv(env map[string]string) Option {
	return func(m *Manager) { m.env = env }
}

// NewManager wires a manager to its adapter and event consumer.
func NewManager(adapter sdk.Adapter, emit Consumer, opts ...Option) *Manager {
	if emit == nil {
		emit = func(Event) {}
	}
	m := &Manager{
		adapter:  adapter,
		rules:    DefaultRules{},
		emit:     emit,
		logger:   slog.Default(),
		sessions: make(map[ids.ConvID]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SendMessage runs one turn and blocks until it finishes. If a turn is
// already running for convID it is cancelled first, with up to 200ms for
// teardown. The consumer sees state:working on entry and state:idle on
// every exit path.
func (m *Manager) SendMessage(ctx context.Context, convID ids.ConvID, prompt string, opts TurnOptions) (err error) {
	ctx, span := tracing.Start(ctx, "session.turn", tracing.ConvID(int(convID)))
	defer func() { tracing.End(span, err) }()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := m.claimSlot(convID, cancel)
	defer close(s.done)
	defer m.releaseSlot(convID, s)

	m.emit(stateEvent(convID, protocol.StateWorking))
	defer m.emit(stateEvent(convID, protocol.StateIdle))
	// a resolver must never outlive its turn
	defer s.denyAll("Stopped")

	req := sdk.QueryRequest{
		Prompt:                 prompt,
		Cwd:                    opts.WorkingDir,
		ConversationID:         int(convID),
		IncludePartialMessages: true,
		SettingSources:         m.settingSources,
		Resume:                 opts.ClaudeSessionID,
		PermissionMode:         opts.PermissionMode,
		SystemPrompt:           opts.SystemPrompt,
		McpServers:             m.mcpServers,
		Env:                    m.env,
		CanUseTool:             m.canUseTool(s, opts.PermissionMode),
	}
	// a reminder only makes sense on a fresh session; resumed ones already
	// carry their context
	if opts.SystemReminder != "" && opts.ClaudeSessionID == "" {
		req.Prompt = "<system-reminder>\n" + opts.SystemReminder + "\n</system-reminder>\n" + prompt
	}

	err = m.adapter.Query(turnCtx, req, func(msg sdk.Message) error {
		m.handleMessage(s, msg)
		return nil
	})

	if s.wasAborted() || errors.Is(err, context.Canceled) {
		m.emit(Event{Type: protocol.EventClaudeAborted, ConversationID: convID, Reason: "user"})
		return nil
	}
	if err != nil {
		m.logger.Error("turn failed", "convId", int(convID), "error", err)
		m.emit(Event{Type: protocol.EventError, ConversationID: convID, Error: err.Error()})
		return err
	}
	return nil
}

// claimSlot cancels any running turn for convID, waits briefly for its
// teardown, and installs a fresh session.
func (m *Manager) claimSlot(convID ids.ConvID, cancel context.CancelFunc) *Session {
	for {
		m.mu.Lock()
		cur := m.sessions[convID]
		if cur == nil {
			s := newSession(convID, cancel)
			m.sessions[convID] = s
			m.mu.Unlock()
			return s
		}
		m.mu.Unlock()

		cur.markAborted()
		cur.denyAll("Stopped")
		cur.cancel()
		select {
		case <-cur.done:
		case <-time.After(preemptWait):
			// start anyway; the orphan no longer owns the slot
			m.mu.Lock()
			if m.sessions[convID] == cur {
				delete(m.sessions, convID)
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) releaseSlot(convID ids.ConvID, s *Session) {
	m.mu.Lock()
	if m.sessions[convID] == s {
		delete(m.sessions, convID)
	}
	m.mu.Unlock()
}

// Stop cancels the active turn, if any. Every pending permission and
// question for the conversation resolves to a denial with message
// "Stopped"; the turn's final events are claudeAborted then state:idle.
func (m *Manager) Stop(convID ids.ConvID) {
	m.mu.Lock()
	s := m.sessions[convID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.markAborted()
	s.denyAll("Stopped")
	s.cancel()
}

// RespondPermission resolves a waiting permission request. Allow and
// allowAll return the original input unchanged; allowAll additionally
// whitelists the tool for the rest of the session. Unknown ids are a no-op.
func (m *Manager) RespondPermission(convID ids.ConvID, toolUseID, decision string) {
	m.mu.Lock()
	s := m.sessions[convID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	p := s.pending[toolUseID]
	s.mu.Unlock()
	if p == nil {
		return
	}
	switch decision {
	case protocol.DecisionAllow:
		s.resolve(toolUseID, sdk.Allow(p.input))
	case protocol.DecisionAllowAll:
		s.mu.Lock()
		s.allowedTools[p.toolName] = true
		s.mu.Unlock()
		s.resolve(toolUseID, sdk.Allow(p.input))
	case protocol.DecisionDeny:
		s.resolve(toolUseID, sdk.Deny("User denied"))
	}
}

// RespondQuestion resolves a pending AskUserQuestion. When toolUseID does
// not match, the first pending question for the conversation is answered
// instead. The answer is spliced into the original input under answers["0"].
func (m *Manager) RespondQuestion(convID ids.ConvID, toolUseID, answer string) {
	m.mu.Lock()
	s := m.sessions[convID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.resolveQuestion(toolUseID, answer)
}

// HasActiveSession reports whether a turn is mid-flight for convID.
func (m *Manager) HasActiveSession(convID ids.ConvID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[convID] != nil
}

// SessionStartTime returns the wall-clock start of the active turn.
func (m *Manager) SessionStartTime(convID ids.ConvID) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[convID]
	if s == nil {
		return time.Time{}, false
	}
	return s.startedAt, true
}

// ActiveSessionIDs lists every conversation with a turn in flight.
func (m *Manager) ActiveSessionIDs() []ids.ConvID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ids.ConvID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PendingEvent returns the permission_request or askQuestion event the
// conversation is parked on, so a reconnecting client can re-render the
// prompt. Nil when nothing is pending.
func (m *Manager) PendingEvent(convID ids.ConvID) *Event {
	m.mu.Lock()
	s := m.sessions[convID]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.pendingEvent()
}

// AbortAllSessions stops every active turn and waits briefly for teardown.
// Used on account or identity switches.
func (m *Manager) AbortAllSessions() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.markAborted()
		s.denyAll("Stopped")
		s.cancel()
	}
	deadline := time.After(preemptWait)
	for _, s := range live {
		select {
		case <-s.done:
		case <-deadline:
			return
		}
	}
}
