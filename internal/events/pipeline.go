package events

import (
	"log"

	"github.com/jacques-sh/jacques/internal/session"
)

// Broadcaster is the slice of the broadcast service the pipeline needs.
type Broadcaster interface {
	// BroadcastSessionWithFocus emits session_update then focus_changed.
	BroadcastSessionWithFocus(s *session.Session)
	// BroadcastSessionWithFocusThrottled is the same but may coalesce
	// rapid repeats for one session (used for activity events).
	BroadcastSessionWithFocusThrottled(s *session.Session)
	// BroadcastSessionUpdate emits session_update alone (idle events do
	// not move focus).
	BroadcastSessionUpdate(s *session.Session)
	// BroadcastSessionRemovedWithFocus emits session_removed then
	// focus_changed with the registry's new focus.
	BroadcastSessionRemovedWithFocus(id string)
}

// TranscriptArmer arms a transcript watcher the first time a session's
// transcript path becomes known, and releases it when the session ends.
type TranscriptArmer interface {
	Arm(sessionID, transcriptPath string)
	Stop(sessionID string)
}

// FocusNotifier learns terminal-key mappings discovered via context events.
type FocusNotifier interface {
	NoteTerminalKey(sessionID, terminalKey string)
}

// Pipeline applies validated ingress events to the registry and triggers
// the matching broadcasts. One pipeline serves all ingress connections;
// events are applied in arrival order.
type Pipeline struct {
	registry    *session.Registry
	broadcaster Broadcaster
	watchers    TranscriptArmer // may be nil
	focus       FocusNotifier   // may be nil
}

func NewPipeline(registry *session.Registry, broadcaster Broadcaster) *Pipeline {
	return &Pipeline{registry: registry, broadcaster: broadcaster}
}

// SetTranscriptArmer wires the transcript watcher manager. Optional.
func (p *Pipeline) SetTranscriptArmer(a TranscriptArmer) { p.watchers = a }

// SetFocusNotifier wires the focus watcher's key mapping. Optional.
func (p *Pipeline) SetFocusNotifier(f FocusNotifier) { p.focus = f }

// HandleLine parses one ingress line and dispatches it. Malformed events
// are logged and dropped; they never affect the connection.
func (p *Pipeline) HandleLine(data []byte) {
	ev, err := Parse(data)
	if err != nil {
		log.Printf("[pipeline] dropping malformed event: %v", err)
		return
	}
	p.Handle(ev)
}

// Handle dispatches a validated event.
func (p *Pipeline) Handle(ev *Event) {
	switch ev.Event {
	case EventSessionStart:
		p.handleSessionStart(ev)
	case EventActivity:
		p.handleActivity(ev)
	case EventContextUpdate:
		p.handleContextUpdate(ev)
	case EventIdle:
		p.handleIdle(ev)
	case EventSessionEnd:
		p.handleSessionEnd(ev)
	default:
		log.Printf("[pipeline] unknown event %q for session %s, dropping", ev.Event, ev.SessionID)
	}
}

func (p *Pipeline) handleSessionStart(ev *Event) {
	s := p.registry.RegisterSession(session.RegisterInput{
		ID:             ev.SessionID,
		Source:         ev.Source,
		Title:          ev.SessionTitle,
		TranscriptPath: ev.TranscriptPath,
		Cwd:            ev.Cwd,
		Project:        session.ProjectName(ev.ProjectDir, ev.Cwd),
		Terminal:       ev.TerminalIdentity(),
		TerminalKey:    ev.TerminalKey,
		Timestamp:      ev.Timestamp,
		Autocompact:    ev.AutocompactStatus(),
		Git:            ev.GitInfo(),
	})
	p.armWatcher(s)
	p.noteKey(s)
	p.broadcaster.BroadcastSessionWithFocus(s)
}

func (p *Pipeline) handleActivity(ev *Event) {
	s, ok := p.registry.UpdateActivity(session.ActivityInput{
		ID:        ev.SessionID,
		Timestamp: ev.Timestamp,
		Title:     ev.SessionTitle,
		ToolName:  ev.ToolName,
	})
	if !ok {
		log.Printf("[pipeline] activity for unknown session %s, dropping", ev.SessionID)
		return
	}
	p.armWatcher(s)
	p.broadcaster.BroadcastSessionWithFocusThrottled(s)
}

func (p *Pipeline) handleContextUpdate(ev *Event) {
	var model *session.ModelInfo
	if ev.Model != "" {
		model = &session.ModelInfo{ID: ev.Model, DisplayName: ev.ModelDisplayName}
	}
	s := p.registry.UpdateContext(session.ContextInput{
		ID:             ev.SessionID,
		Timestamp:      ev.Timestamp,
		Metrics:        ev.ContextMetrics(),
		Model:          model,
		Cwd:            ev.Cwd,
		Project:        ev.ProjectDir,
		Title:          ev.SessionTitle,
		TranscriptPath: ev.TranscriptPath,
		TerminalKey:    ev.TerminalKey,
		Autocompact:    ev.AutocompactStatus(),
		Git:            ev.GitInfo(),
	})
	if ev.TerminalKey != "" {
		p.noteKey(s)
	}
	p.armWatcher(s)
	p.broadcaster.BroadcastSessionWithFocus(s)
}

func (p *Pipeline) handleIdle(ev *Event) {
	s, ok := p.registry.SetSessionIdle(ev.SessionID, ev.Timestamp)
	if !ok {
		log.Printf("[pipeline] idle for unknown session %s, dropping", ev.SessionID)
		return
	}
	p.broadcaster.BroadcastSessionUpdate(s)
}

func (p *Pipeline) handleSessionEnd(ev *Event) {
	if _, ok := p.registry.UnregisterSession(ev.SessionID); !ok {
		log.Printf("[pipeline] session_end for unknown session %s, dropping", ev.SessionID)
		return
	}
	if p.watchers != nil {
		p.watchers.Stop(ev.SessionID)
	}
	p.broadcaster.BroadcastSessionRemovedWithFocus(ev.SessionID)
}

func (p *Pipeline) armWatcher(s *session.Session) {
	if p.watchers != nil && s.TranscriptPath != "" {
		p.watchers.Arm(s.ID, s.TranscriptPath)
	}
}

func (p *Pipeline) noteKey(s *session.Session) {
	if p.focus != nil && s.TerminalKey != "" {
		p.focus.NoteTerminalKey(s.ID, s.TerminalKey)
	}
}
