package pylon

import (
	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/session"
	"github.com/nextlevelbuilder/gopylon/internal/store"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// Consumer returns the sink the session manager feeds. Every event fans out
// to connected apps as a session_event frame; durable ones are mirrored into
// the message store first so reconnecting apps can replay the conversation.
func (w *Worker) Consumer() session.Consumer {
	return func(e session.Event) {
		w.mirror(e)
		w.fanOut(e)
	}
}

func (w *Worker) mirror(e session.Event) {
	convID := e.ConversationID
	switch e.Type {
	case protocol.EventInit:
		if err := w.ws.SetClaudeSessionID(convID, e.SDKSessionID); err != nil {
			w.logger.Warn("record session id", "convId", int(convID), "error", err)
		}
	case protocol.EventState:
		if err := w.ws.SetStatus(convID, e.State); err != nil {
			w.logger.Warn("record status", "convId", int(convID), "error", err)
		}
	case protocol.EventTextComplete:
		w.append(convID, store.NewAssistantText(e.Text))
		w.markUnread(convID)
	case protocol.EventToolInfo:
		w.append(convID, store.NewToolStart(e.ToolName, e.ToolUseID, e.Input, e.ParentToolUseID))
	case protocol.EventToolComplete:
		success := e.Success != nil && *e.Success
		if err := w.store.UpdateToolComplete(convID, e.ToolName, success, e.Output, e.Error); err != nil {
			w.logger.Warn("record tool completion", "convId", int(convID), "error", err)
		}
	case protocol.EventClaudeAborted:
		w.append(convID, store.NewAborted())
	case protocol.EventResult:
		w.append(convID, store.NewResult(e.DurationMS, e.TotalCostUSD, e.NumTurns))
	case protocol.EventError:
		w.append(convID, store.NewSystemError(e.Error))
	case protocol.EventCompactComplete:
		w.append(convID, store.NewSystemNote("Conversation history compacted"))
	}
}

func (w *Worker) append(convID ids.ConvID, msg store.Message) {
	if err := w.store.Append(convID, msg); err != nil {
		w.logger.Warn("append message", "convId", int(convID), "error", err)
	}
}

// markUnread flags finished assistant output unless the conversation is the
// active one, which the user is presumed to be watching.
func (w *Worker) markUnread(convID ids.ConvID) {
	if _, active := w.ws.Active(); active == convID {
		return
	}
	if err := w.ws.SetUnread(convID, true); err != nil {
		w.logger.Warn("mark unread", "convId", int(convID), "error", err)
	}
}

func (w *Worker) fanOut(e session.Event) {
	frame := protocol.NewFrame(protocol.TypeSessionEvent, e)
	frame.Broadcast = protocol.DeviceApp
	w.send(frame)
}
