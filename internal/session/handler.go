package session

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/gopylon/internal/sdk"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// handleMessage projects one SDK message onto the event stream. Called from
// the adapter's delivery goroutine, so per-session event order follows the
// SDK stream exactly.
func (m *Manager) handleMessage(s *Session, msg sdk.Message) {
	switch msg.Type {
	case sdk.MessageSystem:
		m.handleSystem(s, msg)
	case sdk.MessageStreamEvent:
		m.handleStreamEvent(s, msg)
	case sdk.MessageAssistant:
		m.handleAssistant(s, msg)
	case sdk.MessageUser:
		m.handleToolResults(s, msg)
	case sdk.MessageToolProgress:
		m.emit(Event{
			Type:               protocol.EventToolProgress,
			ConversationID:     s.convID,
			ToolName:           msg.ToolName,
			ElapsedTimeSeconds: msg.ElapsedTimeSeconds,
		})
	case sdk.MessageResult:
		m.handleResult(s, msg)
	}
	// unknown types are dropped; the stream keeps going
}

func (m *Manager) handleSystem(s *Session, msg sdk.Message) {
	switch msg.Subtype {
	case sdk.SystemInit:
		s.mu.Lock()
		s.sdkSessionID = msg.SessionID
		s.mu.Unlock()
		m.emit(Event{
			Type:           protocol.EventInit,
			ConversationID: s.convID,
			SDKSessionID:   msg.SessionID,
			Model:          msg.Model,
			Tools:          msg.Tools,
		})
	case sdk.SystemStatus:
		if msg.Status == "compacting" {
			m.emit(Event{Type: protocol.EventCompactStart, ConversationID: s.convID})
		}
	case sdk.SystemCompactBoundary:
		m.emit(Event{Type: protocol.EventCompactComplete, ConversationID: s.convID})
	}
}

func (m *Manager) handleStreamEvent(s *Session, msg sdk.Message) {
	ev := msg.Event
	if ev == nil {
		return
	}
	switch ev.Type {
	case sdk.EventMessageStart:
		s.setInner(InnerThinking, "")
		m.emit(stateUpdateEvent(s.convID, InnerThinking, ""))
	case sdk.EventContentBlockStart:
		if _, name, ok := msg.ToolUseStart(); ok {
			s.setInner(InnerTool, name)
			m.emit(stateUpdateEvent(s.convID, InnerTool, name))
			break
		}
		if ev.ContentBlock != nil && ev.ContentBlock.Type == sdk.BlockText {
			s.setInner(InnerResponding, "")
			m.emit(stateUpdateEvent(s.convID, InnerResponding, ""))
		}
	case sdk.EventContentBlockDelta:
		if text := msg.TextDelta(); text != "" {
			s.mu.Lock()
			s.textBuf.WriteString(text)
			s.mu.Unlock()
			m.emit(Event{Type: protocol.EventText, ConversationID: s.convID, Text: text})
		}
	}
	if delta := msg.UsageDelta(); delta != nil {
		s.mu.Lock()
		s.usage.Add(delta)
		total := s.usage
		s.mu.Unlock()
		m.emit(Event{Type: protocol.EventUsageUpdate, ConversationID: s.convID, Usage: &total})
	}
}

// handleAssistant emits one textComplete per assistant message (all text
// blocks joined with a blank line, even when tool-use blocks interleave),
// then announces each tool invocation.
func (m *Manager) handleAssistant(s *Session, msg sdk.Message) {
	if texts := msg.TextBlocks(); len(texts) > 0 {
		m.emit(Event{
			Type:           protocol.EventTextComplete,
			ConversationID: s.convID,
			Text:           strings.Join(texts, "\n\n"),
		})
	}
	s.mu.Lock()
	s.textBuf.Reset()
	s.mu.Unlock()

	for _, use := range msg.ToolUses() {
		s.mu.Lock()
		s.pendingTools[use.ID] = use.Name
		s.mu.Unlock()
		m.emit(Event{
			Type:            protocol.EventToolInfo,
			ConversationID:  s.convID,
			ToolUseID:       use.ID,
			ToolName:        use.Name,
			Input:           use.Input,
			ParentToolUseID: msg.ParentToolUseID,
		})
	}
}

func (m *Manager) handleToolResults(s *Session, msg sdk.Message) {
	for _, res := range msg.ToolResults() {
		s.mu.Lock()
		name := s.pendingTools[res.ToolUseID]
		delete(s.pendingTools, res.ToolUseID)
		s.mu.Unlock()

		success := !res.IsError
		ev := Event{
			Type:           protocol.EventToolComplete,
			ConversationID: s.convID,
			ToolUseID:      res.ToolUseID,
			ToolName:       name,
			Success:        &success,
		}
		text := res.ResultText()
		if res.IsError {
			ev.Error = truncateRunes(text, maxEventErrorChars)
		} else {
			ev.Output = truncateRunes(text, maxEventOutputChars)
		}
		m.emit(ev)
	}
}

func (m *Manager) handleResult(s *Session, msg sdk.Message) {
	duration := msg.DurationMS
	if duration == 0 {
		duration = s.sinceStart().Milliseconds()
	}
	s.mu.Lock()
	total := s.usage
	s.mu.Unlock()
	m.emit(Event{
		Type:           protocol.EventResult,
		ConversationID: s.convID,
		DurationMS:     duration,
		TotalCostUSD:   msg.TotalCostUSD,
		NumTurns:       msg.NumTurns,
		Usage:          &total,
	})
}

// canUseTool builds the permission gate for one turn. Rules run first and
// short-circuit; AskUserQuestion parks a question; every other tool parks a
// permission under a freshly minted id and publishes a permission_request.
// The session shows waiting while parked and working again after a decision.
func (m *Manager) canUseTool(s *Session, mode string) sdk.CanUseToolFunc {
	return func(ctx context.Context, toolName string, input map[string]any, toolUseID string) (sdk.PermissionResult, error) {
		s.mu.Lock()
		whitelisted := s.allowedTools[toolName]
		s.mu.Unlock()
		if whitelisted {
			return sdk.Allow(input), nil
		}

		verdict := m.rules.Evaluate(toolName, input, mode)
		switch verdict.Action {
		case RuleAllow:
			if verdict.UpdatedInput != nil {
				return sdk.Allow(verdict.UpdatedInput), nil
			}
			return sdk.Allow(input), nil
		case RuleDeny:
			return sdk.Deny(verdict.Message), nil
		}

		var p *pendingDecision
		if toolName == protocol.ToolAskUserQuestion {
			ev := Event{
				Type:           protocol.EventAskQuestion,
				ConversationID: s.convID,
				ToolUseID:      toolUseID,
				ToolName:       toolName,
				Input:          input,
			}
			p = s.register(toolUseID, toolName, input, true, ev)
			m.emit(ev)
		} else {
			id := newPermissionID()
			ev := Event{
				Type:           protocol.EventPermissionRequest,
				ConversationID: s.convID,
				ToolUseID:      id,
				ToolName:       toolName,
				Input:          input,
			}
			p = s.register(id, toolName, input, false, ev)
			m.emit(ev)
		}
		m.emit(stateEvent(s.convID, protocol.StateWaiting))

		select {
		case res := <-p.ch:
			if !s.wasAborted() {
				m.emit(stateEvent(s.convID, protocol.StateWorking))
			}
			return res, nil
		case <-ctx.Done():
			return sdk.Deny("Stopped"), nil
		}
	}
}
