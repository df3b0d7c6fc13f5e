package session

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/sdk"
)

// Session tracks one in-flight turn for a conversation. All fields behind mu
// are mutated only while holding it; the stream handler and the public
// respond/stop paths run on different goroutines.
type Session struct {
	convID    ids.ConvID
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu           sync.Mutex
	sdkSessionID string
	inner        string            // thinking, responding, tool
	innerTool    string            // set when inner == InnerTool
	textBuf      strings.Builder
	pendingTools map[string]string // toolUseId -> toolName
	usage        sdk.Usage
	pending      map[string]*pendingDecision
	allowedTools map[string]bool // populated by allowAll decisions
	aborted      bool
}

// pendingDecision parks one canUseTool invocation until a human answers.
// ch is buffered so resolve never blocks; resolved guards double-delivery.
type pendingDecision struct {
	toolUseID string
	toolName  string
	input     map[string]any
	question  bool
	event     Event
	ch        chan sdk.PermissionResult
	resolved  bool
}

func newSession(convID ids.ConvID, cancel context.CancelFunc) *Session {
	return &Session{
		convID:       convID,
		startedAt:    time.Now(),
		cancel:       cancel,
		done:         make(chan struct{}),
		pendingTools: make(map[string]string),
		pending:      make(map[string]*pendingDecision),
		allowedTools: make(map[string]bool),
	}
}

// register parks a decision and returns it. The caller publishes the
// matching event and then awaits p.ch.
func (s *Session) register(toolUseID, toolName string, input map[string]any, question bool, ev Event) *pendingDecision {
	p := &pendingDecision{
		toolUseID: toolUseID,
		toolName:  toolName,
		input:     input,
		question:  question,
		event:     ev,
		ch:        make(chan sdk.PermissionResult, 1),
	}
	s.mu.Lock()
	s.pending[toolUseID] = p
	s.mu.Unlock()
	return p
}

// resolve delivers a decision to a parked entry. Returns false when the id
// is unknown or already resolved.
func (s *Session) resolve(toolUseID string, res sdk.PermissionResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[toolUseID]
	if !ok || p.resolved {
		return false
	}
	p.resolved = true
	delete(s.pending, toolUseID)
	p.ch <- res
	return true
}

// resolveQuestion finds a pending question by id, falling back to the first
// pending question for the conversation when the id is unmatched.
func (s *Session) resolveQuestion(toolUseID string, answer string) bool {
	s.mu.Lock()
	p, ok := s.pending[toolUseID]
	if !ok || !p.question {
		p = nil
		for _, cand := range s.pending {
			if cand.question {
				p = cand
				break
			}
		}
	}
	if p == nil || p.resolved {
		s.mu.Unlock()
		return false
	}
	p.resolved = true
	delete(s.pending, p.toolUseID)
	s.mu.Unlock()

	input := make(map[string]any, len(p.input)+1)
	for k, v := range p.input {
		input[k] = v
	}
	input["answers"] = map[string]any{"0": answer}
	p.ch <- sdk.Allow(input)
	return true
}

// denyAll resolves every parked decision with a denial. Used by stop and by
// turn teardown so no resolver outlives its session.
func (s *Session) denyAll(message string) {
	s.mu.Lock()
	drained := make([]*pendingDecision, 0, len(s.pending))
	for id, p := range s.pending {
		if !p.resolved {
			p.resolved = true
			drained = append(drained, p)
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()
	for _, p := range drained {
		p.ch <- sdk.Deny(message)
	}
}

// pendingEvent returns the event of the oldest unresolved decision, nil when
// the session is not waiting on anyone.
func (s *Session) pendingEvent() *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		ev := p.event
		return &ev
	}
	return nil
}

func (s *Session) setInner(inner, tool string) {
	s.mu.Lock()
	s.inner = inner
	s.innerTool = tool
	s.mu.Unlock()
}

func (s *Session) sinceStart() time.Duration {
	return time.Since(s.startedAt)
}

func (s *Session) markAborted() {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
}

func (s *Session) wasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// newPermissionID mints the id a permission request travels under.
func newPermissionID() string {
	return fmt.Sprintf("perm_%d_%s", time.Now().UnixMilli(), randBase36(9))
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randBase36(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = base36[rand.Intn(len(base36))]
	}
	return string(b)
}

// truncateRunes cuts s to at most n runes with no suffix.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
