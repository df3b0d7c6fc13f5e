package pylon

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/gopylon/internal/autorun"
	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/session"
	"github.com/nextlevelbuilder/gopylon/internal/store"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// commandSet names every frame type the worker treats as a command.
var commandSet = map[string]struct{}{
	protocol.CmdSendMessage:        {},
	protocol.CmdStop:               {},
	protocol.CmdPermissionResponse: {},
	protocol.CmdQuestionResponse:   {},
	protocol.CmdGetMessages:        {},
	protocol.CmdGetWorkspaces:      {},
	protocol.CmdCreateWorkspace:    {},
	protocol.CmdRenameWorkspace:    {},
	protocol.CmdDeleteWorkspace:    {},
	protocol.CmdCreateConversation: {},
	protocol.CmdSetPermissionMode:  {},
	protocol.CmdSetActive:          {},
	protocol.CmdLinkDocument:       {},
	protocol.CmdUnlinkDocument:     {},
	protocol.CmdListDocuments:      {},
	protocol.CmdCreateShare:        {},
}

// treeMutations are commands whose success changes the workspace tree and
// warrants a workspaces_changed broadcast.
var treeMutations = map[string]struct{}{
	protocol.CmdCreateWorkspace:    {},
	protocol.CmdRenameWorkspace:    {},
	protocol.CmdDeleteWorkspace:    {},
	protocol.CmdCreateConversation: {},
	protocol.CmdSetActive:          {},
	protocol.CmdLinkDocument:       {},
	protocol.CmdUnlinkDocument:     {},
}

func (w *Worker) handleCommand(frame protocol.Frame) {
	var cmd protocol.Command
	if err := json.Unmarshal(frame.Payload, &cmd); err != nil {
		w.reply(frame, failCmd("Invalid JSON format"))
		return
	}

	res := w.runCommand(frame.Type, &cmd)
	res.RequestID = cmd.RequestID
	w.reply(frame, res)

	if _, mutates := treeMutations[frame.Type]; mutates && res.Success {
		w.AnnounceWorkspaces()
	}
}

func (w *Worker) runCommand(typ string, cmd *protocol.Command) protocol.CommandResult {
	switch typ {
	case protocol.CmdSendMessage:
		return w.sendMessage(cmd)
	case protocol.CmdStop:
		return w.stop(cmd)
	case protocol.CmdPermissionResponse:
		return w.permissionResponse(cmd)
	case protocol.CmdQuestionResponse:
		return w.questionResponse(cmd)
	case protocol.CmdGetMessages:
		return w.getMessages(cmd)
	case protocol.CmdGetWorkspaces:
		return w.getWorkspaces()
	case protocol.CmdCreateWorkspace:
		return w.createWorkspace(cmd)
	case protocol.CmdRenameWorkspace:
		return w.renameWorkspace(cmd)
	case protocol.CmdDeleteWorkspace:
		return w.deleteWorkspace(cmd)
	case protocol.CmdCreateConversation:
		return w.createConversation(cmd)
	case protocol.CmdSetPermissionMode:
		return w.setPermissionMode(cmd)
	case protocol.CmdSetActive:
		return w.setActive(cmd)
	case protocol.CmdLinkDocument:
		return w.linkDocument(cmd)
	case protocol.CmdUnlinkDocument:
		return w.unlinkDocument(cmd)
	case protocol.CmdListDocuments:
		return w.listDocuments(cmd)
	case protocol.CmdCreateShare:
		return w.createShare(cmd)
	default:
		return failCmd(fmt.Sprintf("Unknown action: %s", typ))
	}
}

// sendMessage records the prompt and starts the turn in the background; the
// reply only acknowledges acceptance. Progress reaches apps as
// session_event frames.
func (w *Worker) sendMessage(cmd *protocol.Command) protocol.CommandResult {
	convID, res, ok := convArg(cmd)
	if !ok {
		return res
	}
	if cmd.Text == "" {
		return failCmd("text is required")
	}
	wsp, conv, err := w.ws.Conversation(convID)
	if err != nil {
		return failCmd(err.Error())
	}
	if err := w.store.Append(convID, store.NewUserText(cmd.Text)); err != nil {
		return failCmd(err.Error())
	}
	_ = w.ws.SetUnread(convID, false)

	opts := session.TurnOptions{
		WorkingDir:      wsp.WorkingDir,
		ClaudeSessionID: conv.ClaudeSessionID,
		PermissionMode:  conv.PermissionMode,
		SystemPrompt:    conv.CustomSystemPrompt,
		SystemReminder:  autorun.Reminder(cmd.SystemReminder, conv.ClaudeSessionID, conv.LinkedDocuments),
	}
	prompt := cmd.Text
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.sessions.SendMessage(w.runCtx, convID, prompt, opts); err != nil {
			w.logger.Error("turn failed", "convId", int(convID), "error", err)
		}
	}()
	return okCmd()
}

func (w *Worker) stop(cmd *protocol.Command) protocol.CommandResult {
	convID, res, ok := convArg(cmd)
	if !ok {
		return res
	}
	w.sessions.Stop(convID)
	return okCmd()
}

func (w *Worker) permissionResponse(cmd *protocol.Command) protocol.CommandResult {
	convID, res, ok := convArg(cmd)
	if !ok {
		return res
	}
	if cmd.ToolUseID == "" {
		return failCmd("toolUseId is required")
	}
	if cmd.Decision == "" {
		return failCmd("decision is required")
	}
	if err := w.store.Append(convID, store.NewUserResponse(cmd.Decision)); err != nil {
		w.logger.Warn("record permission response", "convId", int(convID), "error", err)
	}
	w.sessions.RespondPermission(convID, cmd.ToolUseID, cmd.Decision)
	return okCmd()
}

func (w *Worker) questionResponse(cmd *protocol.Command) protocol.CommandResult {
	convID, res, ok := convArg(cmd)
	if !ok {
		return res
	}
	if cmd.ToolUseID == "" {
		return failCmd("toolUseId is required")
	}
	if err := w.store.Append(convID, store.NewUserResponse(cmd.Answer)); err != nil {
		w.logger.Warn("record question response", "convId", int(convID), "error", err)
	}
	w.sessions.RespondQuestion(convID, cmd.ToolUseID, cmd.Answer)
	return okCmd()
}

// getMessages pages the log tail and clears the unread flag; reading is
// acknowledging.
func (w *Worker) getMessages(cmd *protocol.Command) protocol.CommandResult {
	convID, res, ok := convArg(cmd)
	if !ok {
		return res
	}
	msgs, err := w.store.Messages(convID, store.Query{
		Limit:    cmd.Limit,
		Offset:   cmd.Offset,
		BeforeID: cmd.LoadBefore,
	})
	if err != nil {
		return failCmd(err.Error())
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return failCmd(err.Error())
	}
	_ = w.ws.SetUnread(convID, false)
	out := okCmd()
	out.ConversationID = int(convID)
	out.Messages = raw
	return out
}

func (w *Worker) getWorkspaces() protocol.CommandResult {
	raw, err := json.Marshal(w.ws.List())
	if err != nil {
		return failCmd(err.Error())
	}
	activeWS, activeConv := w.ws.Active()
	out := okCmd()
	out.Workspaces = raw
	out.WorkspaceID = int(activeWS)
	out.ConversationID = int(activeConv)
	return out
}

func (w *Worker) createWorkspace(cmd *protocol.Command) protocol.CommandResult {
	if cmd.Name == "" {
		return failCmd("name is required")
	}
	if cmd.WorkingDir == "" {
		return failCmd("workingDir is required")
	}
	wsp, err := w.ws.Create(cmd.Name, cmd.WorkingDir)
	if err != nil {
		return failCmd(err.Error())
	}
	out := okCmd()
	out.WorkspaceID = int(wsp.ID)
	return out
}

func (w *Worker) renameWorkspace(cmd *protocol.Command) protocol.CommandResult {
	if cmd.WorkspaceID == 0 {
		return failCmd("workspaceId is required")
	}
	if cmd.Name == "" {
		return failCmd("name is required")
	}
	if err := w.ws.Rename(ids.WorkspaceID(cmd.WorkspaceID), cmd.Name); err != nil {
		return failCmd(err.Error())
	}
	return okCmd()
}

// deleteWorkspace removes the workspace, stops any turns still running in
// it, and purges the orphaned logs.
func (w *Worker) deleteWorkspace(cmd *protocol.Command) protocol.CommandResult {
	if cmd.WorkspaceID == 0 {
		return failCmd("workspaceId is required")
	}
	removed, err := w.ws.Delete(ids.WorkspaceID(cmd.WorkspaceID))
	if err != nil {
		return failCmd(err.Error())
	}
	for _, id := range removed {
		w.sessions.Stop(id)
	}
	if err := w.purge(removed); err != nil {
		w.logger.Warn("purge deleted workspace logs", "error", err)
	}
	return okCmd()
}

func (w *Worker) purge(convIDs []ids.ConvID) error {
	if len(convIDs) == 0 {
		return nil
	}
	if bp, ok := w.store.(store.BulkPurger); ok {
		return bp.PurgeMany(convIDs)
	}
	for _, id := range convIDs {
		if err := w.store.Purge(id); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) createConversation(cmd *protocol.Command) protocol.CommandResult {
	if cmd.WorkspaceID == 0 {
		return failCmd("workspaceId is required")
	}
	if cmd.Name == "" {
		return failCmd("name is required")
	}
	conv, err := w.ws.CreateConversation(ids.WorkspaceID(cmd.WorkspaceID), cmd.Name)
	if err != nil {
		return failCmd(err.Error())
	}
	out := okCmd()
	out.ConversationID = int(conv.ID)
	return out
}

func (w *Worker) setPermissionMode(cmd *protocol.Command) protocol.CommandResult {
	convID, res, ok := convArg(cmd)
	if !ok {
		return res
	}
	switch cmd.Mode {
	case protocol.PermissionModeDefault, protocol.PermissionModeAcceptEdits, protocol.PermissionModeBypass:
	default:
		return failCmd(fmt.Sprintf("invalid permission mode %q", cmd.Mode))
	}
	if err := w.ws.SetPermissionMode(convID, cmd.Mode); err != nil {
		return failCmd(err.Error())
	}
	return okCmd()
}

func (w *Worker) setActive(cmd *protocol.Command) protocol.CommandResult {
	if cmd.WorkspaceID == 0 {
		return failCmd("workspaceId is required")
	}
	convID := ids.ConvID(cmd.ConversationID)
	if err := w.ws.SetActiveWorkspace(ids.WorkspaceID(cmd.WorkspaceID), convID); err != nil {
		return failCmd(err.Error())
	}
	if convID != 0 {
		_ = w.ws.SetUnread(convID, false)
	}
	return okCmd()
}

func (w *Worker) linkDocument(cmd *protocol.Command) protocol.CommandResult {
	convID, res, ok := convArg(cmd)
	if !ok {
		return res
	}
	if cmd.Path == "" {
		return failCmd("path is required")
	}
	if err := w.ws.LinkDocument(convID, cmd.Path); err != nil {
		return failCmd(err.Error())
	}
	return okCmd()
}

func (w *Worker) unlinkDocument(cmd *protocol.Command) protocol.CommandResult {
	convID, res, ok := convArg(cmd)
	if !ok {
		return res
	}
	if cmd.Path == "" {
		return failCmd("path is required")
	}
	if err := w.ws.UnlinkDocument(convID, cmd.Path); err != nil {
		return failCmd(err.Error())
	}
	return okCmd()
}

func (w *Worker) listDocuments(cmd *protocol.Command) protocol.CommandResult {
	convID, res, ok := convArg(cmd)
	if !ok {
		return res
	}
	docs, err := w.ws.Documents(convID)
	if err != nil {
		return failCmd(err.Error())
	}
	out := okCmd()
	out.Documents = docs
	return out
}

func (w *Worker) createShare(cmd *protocol.Command) protocol.CommandResult {
	convID, res, ok := convArg(cmd)
	if !ok {
		return res
	}
	shareID, err := w.ws.CreateShare(convID)
	if err != nil {
		return failCmd(err.Error())
	}
	out := okCmd()
	out.ShareID = shareID
	out.ConversationID = int(convID)
	return out
}

// handleShareHistory answers a viewer's share_history with the full
// chronological log, addressed only to that viewer.
func (w *Worker) handleShareHistory(frame protocol.Frame) {
	var cmd protocol.Command
	if err := json.Unmarshal(frame.Payload, &cmd); err != nil {
		w.reply(frame, failCmd("Invalid JSON format"))
		return
	}
	res := w.shareHistory(&cmd)
	res.RequestID = cmd.RequestID
	w.reply(frame, res)
}

func (w *Worker) shareHistory(cmd *protocol.Command) protocol.CommandResult {
	if cmd.ShareID == "" {
		return failCmd("shareId is required")
	}
	convID, ok := w.ws.ResolveShare(cmd.ShareID)
	if !ok {
		return failCmd("Share not found")
	}
	msgs, err := w.store.History(convID)
	if err != nil {
		return failCmd(err.Error())
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return failCmd(err.Error())
	}
	out := okCmd()
	out.ConversationID = int(convID)
	out.Messages = raw
	return out
}

func convArg(cmd *protocol.Command) (ids.ConvID, protocol.CommandResult, bool) {
	if cmd.ConversationID == 0 {
		return 0, failCmd("conversationId is required"), false
	}
	return ids.ConvID(cmd.ConversationID), protocol.CommandResult{}, true
}

func okCmd() protocol.CommandResult { return protocol.CommandResult{Success: true} }

func failCmd(msg string) protocol.CommandResult { return protocol.CommandResult{Error: msg} }
