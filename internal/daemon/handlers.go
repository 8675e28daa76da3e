package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jacques-sh/jacques/internal/catalog"
	"github.com/jacques-sh/jacques/internal/focus"
	"github.com/jacques-sh/jacques/internal/transcript"
	"github.com/jacques-sh/jacques/internal/ws"
)

// The daemon is the request handler behind the websocket dispatch and the
// notifier behind catalog extraction. Every client request is answered
// with a broadcast; none of them block the read loop for long.

func (d *Daemon) SelectSession(sessionID string) {
	if d.registry.SetFocus(sessionID) {
		d.broadcaster.ForceBroadcastFocusChange()
	}
}

func (d *Daemon) TriggerAction(sessionID, action string) {
	log.Printf("[daemon] action %q requested for session %s", action, sessionID)
	d.broadcaster.Broadcast(ws.ClaudeOperation{
		Type: ws.MsgClaudeOperation,
		Operation: ws.Operation{
			ID:        uuid.NewString(),
			Timestamp: time.Now().UnixMilli(),
			Operation: action,
			Phase:     "requested",
			Success:   true,
		},
	})
}

func (d *Daemon) ToggleAutocompact(enabled bool) {
	warning, err := toggleAutocompact(d.settingsPath, enabled)
	if err != nil {
		log.Printf("[daemon] autocompact toggle failed: %v", err)
		warning = err.Error()
	}
	d.broadcaster.Broadcast(ws.AutocompactToggled{
		Type:    ws.MsgAutocompactToggled,
		Enabled: enabled,
		Warning: warning,
	})
}

func (d *Daemon) GetHandoffContext(sessionID string) {
	s, ok := d.registry.Get(sessionID)
	if !ok || s.TranscriptPath == "" {
		d.handoffError(sessionID, "session has no known transcript")
		return
	}
	path := transcript.HandoffPath(s.TranscriptPath)
	content, err := os.ReadFile(path)
	if err != nil {
		d.handoffError(sessionID, fmt.Sprintf("no handoff document at %s", path))
		return
	}
	d.broadcaster.Broadcast(ws.HandoffContext{
		Type:          ws.MsgHandoffContext,
		SessionID:     sessionID,
		Context:       string(content),
		TokenEstimate: len(content) / 4,
	})
}

func (d *Daemon) handoffError(sessionID, msg string) {
	d.broadcaster.Broadcast(ws.HandoffContextError{
		Type:      ws.MsgHandoffContextError,
		SessionID: sessionID,
		Error:     msg,
	})
}

func (d *Daemon) FocusTerminal(sessionID string) {
	var res focus.Result
	if s, ok := d.registry.Get(sessionID); ok {
		res = d.activator.Activate(context.Background(), s.TerminalKey)
	} else {
		res = focus.Result{Method: focus.MethodUnsupported, Error: "unknown session"}
	}
	d.broadcaster.Broadcast(ws.FocusTerminalResult{
		Type:      ws.MsgFocusTerminalResult,
		SessionID: sessionID,
		Success:   res.Success,
		Method:    res.Method,
		Error:     res.Error,
	})
}

// TileWindows raises every activatable session terminal in turn. There is
// no geometry management; raising each window in activity order leaves the
// most recent one frontmost.
func (d *Daemon) TileWindows() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tiled := 0
	var firstErr string
	for _, s := range d.registry.Sessions() {
		res := d.activator.Activate(ctx, s.TerminalKey)
		switch {
		case res.Success:
			tiled++
		case res.Method == focus.MethodUnsupported:
			// Nothing to raise for this session.
		case firstErr == "":
			firstErr = res.Error
		}
	}
	d.broadcaster.Broadcast(ws.TileWindowsResult{
		Type:    ws.MsgTileWindowsResult,
		Success: firstErr == "",
		Tiled:   tiled,
		Error:   firstErr,
	})
}

func (d *Daemon) UpdateNotificationSettings(settings json.RawMessage) {
	if !json.Valid(settings) {
		log.Printf("[daemon] rejecting invalid notification settings")
		return
	}
	path := filepath.Join(d.jacquesDir, "notification-settings.json")
	if err := os.MkdirAll(d.jacquesDir, 0755); err == nil {
		if err := os.WriteFile(path, settings, 0644); err != nil {
			log.Printf("[daemon] cannot persist notification settings: %v", err)
		}
	}
	d.broadcaster.Broadcast(ws.NotificationSettings{
		Type:     ws.MsgNotificationSettings,
		Settings: settings,
	})
}

// Chat is a protocol slot without a backend; requests are acknowledged
// with a chat_error so clients do not hang.
func (d *Daemon) ChatSend(sessionID, text string) {
	d.broadcaster.Broadcast(ws.ChatError{
		Type:      ws.MsgChatError,
		SessionID: sessionID,
		Error:     "chat backend not configured",
	})
}

func (d *Daemon) ChatAbort(sessionID string) {
	d.broadcaster.Broadcast(ws.ChatError{
		Type:      ws.MsgChatError,
		SessionID: sessionID,
		Error:     "chat backend not configured",
	})
}

// CatalogUpdated and CatalogProgress fan extraction notifications out to
// websocket clients.
func (d *Daemon) CatalogUpdated(projectPath, action, itemID string) {
	d.broadcaster.Broadcast(ws.CatalogUpdated{
		Type:        ws.MsgCatalogUpdated,
		ProjectPath: projectPath,
		Action:      action,
		ItemID:      itemID,
	})
}

func (d *Daemon) CatalogProgress(projectPath string, progress catalog.BulkResult) {
	log.Printf("[catalog] %s: %d extracted, %d skipped, %d errors",
		projectPath, progress.Extracted, progress.Skipped, progress.Errors)
	d.broadcaster.Broadcast(ws.CatalogUpdated{
		Type:        ws.MsgCatalogUpdated,
		ProjectPath: projectPath,
		Action:      "progress",
	})
}
