package ws

import (
	"encoding/json"

	"github.com/jacques-sh/jacques/internal/session"
)

type MessageType string

// Outbound message types.
const (
	MsgInitialState         MessageType = "initial_state"
	MsgSessionUpdate        MessageType = "session_update"
	MsgSessionRemoved       MessageType = "session_removed"
	MsgFocusChanged         MessageType = "focus_changed"
	MsgServerStatus         MessageType = "server_status"
	MsgServerLog            MessageType = "server_log"
	MsgAPILog               MessageType = "api_log"
	MsgAutocompactToggled   MessageType = "autocompact_toggled"
	MsgHandoffReady         MessageType = "handoff_ready"
	MsgHandoffProgress      MessageType = "handoff_progress"
	MsgHandoffContext       MessageType = "handoff_context"
	MsgHandoffContextError  MessageType = "handoff_context_error"
	MsgClaudeOperation      MessageType = "claude_operation"
	MsgFocusTerminalResult  MessageType = "focus_terminal_result"
	MsgTileWindowsResult    MessageType = "tile_windows_result"
	MsgNotificationSettings MessageType = "notification_settings"
	MsgNotificationFired    MessageType = "notification_fired"
	MsgCatalogUpdated       MessageType = "catalog_updated"
	MsgChatDelta            MessageType = "chat_delta"
	MsgChatToolEvent        MessageType = "chat_tool_event"
	MsgChatComplete         MessageType = "chat_complete"
	MsgChatError            MessageType = "chat_error"
)

// Inbound client message types.
const (
	ClientSelectSession              = "select_session"
	ClientTriggerAction              = "trigger_action"
	ClientToggleAutocompact          = "toggle_autocompact"
	ClientGetHandoffContext          = "get_handoff_context"
	ClientFocusTerminal              = "focus_terminal"
	ClientTileWindows                = "tile_windows"
	ClientUpdateNotificationSettings = "update_notification_settings"
	ClientChatSend                   = "chat_send"
	ClientChatAbort                  = "chat_abort"
)

type InitialState struct {
	Type             MessageType        `json:"type"`
	Sessions         []*session.Session `json:"sessions"`
	FocusedSessionID string             `json:"focused_session_id,omitempty"`
}

type SessionUpdate struct {
	Type    MessageType      `json:"type"`
	Session *session.Session `json:"session"`
}

type SessionRemoved struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type FocusChanged struct {
	Type      MessageType      `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Session   *session.Session `json:"session,omitempty"`
}

type ServerStatus struct {
	Type         MessageType `json:"type"`
	Status       string      `json:"status"`
	SessionCount int         `json:"session_count"`
}

type ServerLog struct {
	Type      MessageType `json:"type"`
	Level     string      `json:"level"`
	Message   string      `json:"message"`
	Timestamp int64       `json:"timestamp"`
	Source    string      `json:"source"`
}

type APILog struct {
	Type       MessageType `json:"type"`
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	Status     int         `json:"status"`
	DurationMs int64       `json:"durationMs"`
	Timestamp  int64       `json:"timestamp"`
}

type AutocompactToggled struct {
	Type    MessageType `json:"type"`
	Enabled bool        `json:"enabled"`
	Warning string      `json:"warning,omitempty"`
}

type HandoffReady struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Path      string      `json:"path"`
}

type HandoffProgress struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	Stage            string      `json:"stage"`
	ExtractorsDone   int         `json:"extractors_done"`
	ExtractorsTotal  int         `json:"extractors_total"`
	CurrentExtractor string      `json:"current_extractor,omitempty"`
	OutputFile       string      `json:"output_file,omitempty"`
}

type HandoffContext struct {
	Type          MessageType     `json:"type"`
	SessionID     string          `json:"session_id"`
	Context       string          `json:"context"`
	TokenEstimate int             `json:"token_estimate"`
	Data          json.RawMessage `json:"data,omitempty"`
}

type HandoffContextError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Error     string      `json:"error"`
}

// Operation describes one tracked assistant-side operation.
type Operation struct {
	ID           string `json:"id"`
	Timestamp    int64  `json:"timestamp"`
	Operation    string `json:"operation"`
	Phase        string `json:"phase"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	TotalTokens  int    `json:"totalTokens"`
	DurationMs   int64  `json:"durationMs"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type ClaudeOperation struct {
	Type      MessageType `json:"type"`
	Operation Operation   `json:"operation"`
}

type FocusTerminalResult struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Success   bool        `json:"success"`
	Method    string      `json:"method"`
	Error     string      `json:"error,omitempty"`
}

type TileWindowsResult struct {
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
	Tiled   int         `json:"tiled"`
	Error   string      `json:"error,omitempty"`
}

type NotificationSettings struct {
	Type     MessageType     `json:"type"`
	Settings json.RawMessage `json:"settings"`
}

type NotificationFired struct {
	Type         MessageType     `json:"type"`
	Notification json.RawMessage `json:"notification"`
}

type CatalogUpdated struct {
	Type        MessageType `json:"type"`
	ProjectPath string      `json:"projectPath"`
	Action      string      `json:"action"`
	ItemID      string      `json:"itemId,omitempty"`
}

type ChatError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Error     string      `json:"error"`
}

// ClientMessage is the inbound envelope; fields beyond Type are populated
// per message type and ignored otherwise.
type ClientMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Enabled   *bool           `json:"enabled,omitempty"`
	Action    string          `json:"action,omitempty"`
	Text      string          `json:"text,omitempty"`
	Settings  json.RawMessage `json:"settings,omitempty"`
}
