package session

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
)

type Status int

const (
	Active Status = iota
	Working
	Idle
)

var statusNames = map[Status]string{
	Active:  "active",
	Working: "working",
	Idle:    "idle",
}

var statusFromName = map[string]Status{
	"active":  Active,
	"working": Working,
	"idle":    Idle,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}

// Terminal key prefixes. The prefix selects the activation strategy and
// marks provisional keys (AutoPrefix, DiscoveredPrefix) that a concrete
// hook event may upgrade in place.
const (
	ITermPrefix      = "ITERM"
	KittyPrefix      = "KITTY"
	WeztermPrefix    = "WEZTERM"
	TermPrefix       = "TERM"
	TTYPrefix        = "TTY"
	PIDPrefix        = "PID"
	AutoPrefix       = "AUTO"
	DiscoveredPrefix = "DISCOVERED"
	UnknownPrefix    = "UNKNOWN"
)

// TerminalIdentity is the capability bag of optional identifiers captured
// from the emitting process's environment. Different terminal emulators
// populate different subsets.
type TerminalIdentity struct {
	TTY            string `json:"tty,omitempty"`
	TermProgram    string `json:"term_program,omitempty"`
	TerminalPID    int    `json:"terminal_pid,omitempty"`
	ITermSessionID string `json:"iterm_session_id,omitempty"`
	TermSessionID  string `json:"term_session_id,omitempty"`
	KittyWindowID  string `json:"kitty_window_id,omitempty"`
	WeztermPane    string `json:"wezterm_pane,omitempty"`
	WindowID       string `json:"window_id,omitempty"`
}

// DeriveKey builds a canonical terminal key from the identity, preferring
// the most specific identifier available.
func (t TerminalIdentity) DeriveKey() string {
	switch {
	case t.ITermSessionID != "":
		return ITermPrefix + ":" + t.ITermSessionID
	case t.KittyWindowID != "":
		return KittyPrefix + ":" + t.KittyWindowID
	case t.WeztermPane != "":
		return WeztermPrefix + ":" + t.WeztermPane
	case t.TermSessionID != "":
		return TermPrefix + ":" + t.TermSessionID
	case t.TTY != "":
		return TTYPrefix + ":" + t.TTY
	case t.TerminalPID > 0:
		return PIDPrefix + ":" + strconv.Itoa(t.TerminalPID)
	}
	return ""
}

type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

type ContextMetrics struct {
	UsedPercentage      float64 `json:"used_percentage"`
	RemainingPercentage float64 `json:"remaining_percentage"`
	WindowSize          int     `json:"window_size"`
	TotalInputTokens    int     `json:"total_input_tokens,omitempty"`
	TotalOutputTokens   int     `json:"total_output_tokens,omitempty"`
	IsEstimate          bool    `json:"is_estimate"`
}

type AutocompactStatus struct {
	Enabled             bool     `json:"enabled"`
	ThresholdPercent    float64  `json:"threshold_percent,omitempty"`
	BugThresholdPercent *float64 `json:"bug_threshold_percent,omitempty"`
}

type GitInfo struct {
	Branch   string `json:"branch,omitempty"`
	Worktree string `json:"worktree,omitempty"`
	RepoRoot string `json:"repo_root,omitempty"`
}

// Session is the runtime state of a single assistant conversation on this
// host. Times are epoch milliseconds.
type Session struct {
	ID             string             `json:"session_id"`
	Source         string             `json:"source"`
	Status         Status             `json:"status"`
	Title          string             `json:"title"`
	TranscriptPath string             `json:"transcript_path,omitempty"`
	Cwd            string             `json:"cwd,omitempty"`
	Project        string             `json:"project,omitempty"`
	Model          *ModelInfo         `json:"model,omitempty"`
	Terminal       TerminalIdentity   `json:"terminal"`
	TerminalKey    string             `json:"terminal_key"`
	LastActivity   int64              `json:"last_activity"`
	RegisteredAt   int64              `json:"registered_at"`
	Context        *ContextMetrics    `json:"context_metrics,omitempty"`
	Autocompact    *AutocompactStatus `json:"autocompact_status,omitempty"`
	Git            *GitInfo           `json:"git,omitempty"`
}

// Clone returns a deep copy of the Session so callers can hold it outside
// the registry lock.
func (s *Session) Clone() *Session {
	c := *s
	if s.Model != nil {
		m := *s.Model
		c.Model = &m
	}
	if s.Context != nil {
		cm := *s.Context
		c.Context = &cm
	}
	if s.Autocompact != nil {
		a := *s.Autocompact
		if s.Autocompact.BugThresholdPercent != nil {
			v := *s.Autocompact.BugThresholdPercent
			a.BugThresholdPercent = &v
		}
		c.Autocompact = &a
	}
	if s.Git != nil {
		g := *s.Git
		c.Git = &g
	}
	return &c
}

// IsPartialKey reports whether key carries a provisional prefix. Sessions
// with partial keys were auto-registered or discovered by the process scan
// and are upgraded in place when a concrete hook event arrives.
func IsPartialKey(key string) bool {
	return strings.HasPrefix(key, AutoPrefix+":") ||
		strings.HasPrefix(key, DiscoveredPrefix+":")
}

// NormalizeSource collapses raw session-start source tags to a producer
// name. Claude Code reports how the session started (startup, resume,
// clear, compact) in the source field; those are all claude_code.
func NormalizeSource(source string) string {
	switch source {
	case "", "startup", "resume", "clear", "compact", "claude_code":
		return "claude_code"
	}
	return source
}

// ProjectName derives a short project name: projectDir's basename when
// provided, else the last path component of cwd.
func ProjectName(projectDir, cwd string) string {
	if projectDir != "" {
		return filepath.Base(projectDir)
	}
	if cwd != "" {
		return filepath.Base(cwd)
	}
	return ""
}
