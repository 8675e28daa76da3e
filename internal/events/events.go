package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jacques-sh/jacques/internal/session"
)

// Event names accepted on the ingress socket.
const (
	EventSessionStart  = "session_start"
	EventActivity      = "activity"
	EventContextUpdate = "context_update"
	EventIdle          = "idle"
	EventSessionEnd    = "session_end"
)

var (
	ErrMissingEvent     = errors.New("event field missing")
	ErrMissingSessionID = errors.New("session_id field missing")
)

// Number decodes a JSON field that may arrive as a number or a numeric
// string. A value that parses as neither reads as zero and records itself
// as invalid, which forces is_estimate on derived context metrics.
type Number struct {
	Value   float64
	Invalid bool
}

func (n *Number) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			n.Invalid = true
			return nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			n.Invalid = true
			return nil
		}
		n.Value = v
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		n.Invalid = true
		return nil
	}
	n.Value = v
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.Value)
}

// Autocompact mirrors the autocompact block hooks may attach to events.
type Autocompact struct {
	Enabled             bool     `json:"enabled"`
	ThresholdPercent    float64  `json:"threshold_percent,omitempty"`
	BugThresholdPercent *float64 `json:"bug_threshold_percent,omitempty"`
}

// Event is the ingress wire format: one JSON object per line, dispatched
// on the event field. Fields not relevant to a given event type stay at
// their zero values.
type Event struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp,omitempty"`
	SessionID string `json:"session_id"`

	SessionTitle   string `json:"session_title,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	Project        string `json:"project,omitempty"`
	ProjectDir     string `json:"project_dir,omitempty"`
	Source         string `json:"source,omitempty"`
	HookSource     string `json:"hook_source,omitempty"`

	Terminal    *session.TerminalIdentity `json:"terminal,omitempty"`
	TerminalKey string                    `json:"terminal_key,omitempty"`
	TerminalPID int                       `json:"terminal_pid,omitempty"`

	ToolName string `json:"tool_name,omitempty"`

	UsedPercentage      *Number `json:"used_percentage,omitempty"`
	RemainingPercentage *Number `json:"remaining_percentage,omitempty"`
	ContextWindowSize   *Number `json:"context_window_size,omitempty"`
	TotalInputTokens    *Number `json:"total_input_tokens,omitempty"`
	TotalOutputTokens   *Number `json:"total_output_tokens,omitempty"`
	IsEstimate          *bool   `json:"is_estimate,omitempty"`

	Model            string `json:"model,omitempty"`
	ModelDisplayName string `json:"model_display_name,omitempty"`

	Autocompact *Autocompact `json:"autocompact,omitempty"`

	GitBranch   string `json:"git_branch,omitempty"`
	GitWorktree string `json:"git_worktree,omitempty"`
	GitRepoRoot string `json:"git_repo_root,omitempty"`
}

// Parse decodes and validates one ingress line. Every event must expose
// event and session_id; everything else is optional.
func Parse(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if ev.Event == "" {
		return nil, ErrMissingEvent
	}
	if ev.SessionID == "" {
		return nil, ErrMissingSessionID
	}
	// The hook emitter folds the start reason into source. Normalize to
	// the producer name and keep the raw value as hook_source.
	if ev.Event == EventSessionStart {
		if ev.HookSource == "" && ev.Source != "" && session.NormalizeSource(ev.Source) != ev.Source {
			ev.HookSource = ev.Source
		}
		ev.Source = session.NormalizeSource(ev.Source)
	}
	return &ev, nil
}

func numberValue(n *Number) (float64, bool) {
	if n == nil {
		return 0, false
	}
	return n.Value, n.Invalid
}

// ContextMetrics converts the event's numeric fields into session metrics.
// Any invalid numeric coercion forces is_estimate=true.
func (ev *Event) ContextMetrics() session.ContextMetrics {
	used, badUsed := numberValue(ev.UsedPercentage)
	remaining, badRemaining := numberValue(ev.RemainingPercentage)
	window, badWindow := numberValue(ev.ContextWindowSize)
	in, badIn := numberValue(ev.TotalInputTokens)
	out, badOut := numberValue(ev.TotalOutputTokens)

	estimate := true
	if ev.IsEstimate != nil {
		estimate = *ev.IsEstimate
	}
	if badUsed || badRemaining || badWindow || badIn || badOut {
		estimate = true
	}
	if ev.RemainingPercentage == nil && used > 0 {
		remaining = 100 - used
	}

	return session.ContextMetrics{
		UsedPercentage:      used,
		RemainingPercentage: remaining,
		WindowSize:          int(window),
		TotalInputTokens:    int(in),
		TotalOutputTokens:   int(out),
		IsEstimate:          estimate,
	}
}

// AutocompactStatus converts the event's autocompact block, or nil.
func (ev *Event) AutocompactStatus() *session.AutocompactStatus {
	if ev.Autocompact == nil {
		return nil
	}
	return &session.AutocompactStatus{
		Enabled:             ev.Autocompact.Enabled,
		ThresholdPercent:    ev.Autocompact.ThresholdPercent,
		BugThresholdPercent: ev.Autocompact.BugThresholdPercent,
	}
}

// GitInfo converts the event's git fields, or nil when all are empty.
func (ev *Event) GitInfo() *session.GitInfo {
	if ev.GitBranch == "" && ev.GitWorktree == "" && ev.GitRepoRoot == "" {
		return nil
	}
	return &session.GitInfo{
		Branch:   ev.GitBranch,
		Worktree: ev.GitWorktree,
		RepoRoot: ev.GitRepoRoot,
	}
}

// TerminalIdentity returns the event's terminal block, or a zero value.
func (ev *Event) TerminalIdentity() session.TerminalIdentity {
	if ev.Terminal == nil {
		return session.TerminalIdentity{}
	}
	t := *ev.Terminal
	if t.TerminalPID == 0 {
		t.TerminalPID = ev.TerminalPID
	}
	return t
}
