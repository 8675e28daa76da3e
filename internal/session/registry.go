package session

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// RegisterInput carries the fields of a session_start event the registry
// cares about.
type RegisterInput struct {
	ID             string
	Source         string
	Title          string
	TranscriptPath string
	Cwd            string
	Project        string
	Terminal       TerminalIdentity
	TerminalKey    string
	Timestamp      int64
	Autocompact    *AutocompactStatus
	Git            *GitInfo
}

// ActivityInput carries the fields of an activity event.
type ActivityInput struct {
	ID        string
	Timestamp int64
	Title     string
	ToolName  string
}

// ContextInput carries the fields of a context_update event.
type ContextInput struct {
	ID             string
	Timestamp      int64
	Metrics        ContextMetrics
	Model          *ModelInfo
	Cwd            string
	Project        string
	Title          string
	TranscriptPath string
	TerminalKey    string
	Autocompact    *AutocompactStatus
	Git            *GitInfo
}

// DiscoveredSession is a record recovered by the startup process scan.
type DiscoveredSession struct {
	ID             string
	Title          string
	TranscriptPath string
	Cwd            string
	Project        string
	LastActivity   int64
	TerminalInner  string // e.g. "iTerm2:w0t0p0:UUID", "TTY:/dev/ttys3:54321", "PID:1234"
	Terminal       TerminalIdentity
	Context        *ContextMetrics
}

// Registry owns all live Session records and the single focused-id slot.
// All public operations are serialized behind one mutex; methods return
// clones so callers never touch registry-owned memory.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	focusedID string // "" when no session is focused

	now func() int64

	cleanupStop chan struct{}
	cleanupWG   sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// touch advances last_activity, never decreasing it.
func (r *Registry) touch(s *Session, ts int64) {
	if ts <= 0 {
		ts = r.now()
	}
	if ts > s.LastActivity {
		s.LastActivity = ts
	}
}

// RegisterSession registers or upgrades a session from a session_start
// event. Idempotent with respect to id: an existing partial session
// (AUTO:/DISCOVERED: key) is upgraded in place, an existing concrete
// session only advances. Focus moves to the session.
func (r *Registry) RegisterSession(in RegisterInput) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[in.ID]
	if !ok {
		s = &Session{
			ID:             in.ID,
			Source:         NormalizeSource(in.Source),
			Status:         Active,
			Title:          in.Title,
			TranscriptPath: in.TranscriptPath,
			Cwd:            in.Cwd,
			Project:        in.Project,
			Terminal:       in.Terminal,
			TerminalKey:    in.TerminalKey,
			RegisteredAt:   r.now(),
			Autocompact:    in.Autocompact,
			Git:            in.Git,
		}
		if s.Title == "" {
			s.Title = ProjectName("", in.Cwd)
		}
		if s.TerminalKey == "" {
			s.TerminalKey = in.Terminal.DeriveKey()
		}
		if s.TerminalKey == "" {
			s.TerminalKey = UnknownPrefix + ":" + in.ID
		}
		r.touch(s, in.Timestamp)
		r.sessions[in.ID] = s
		r.focusedID = in.ID
		return s.Clone()
	}

	if IsPartialKey(s.TerminalKey) {
		// Upgrade in place: the hook event knows the real terminal.
		s.Terminal = in.Terminal
		if in.TerminalKey != "" {
			s.TerminalKey = in.TerminalKey
		} else if k := in.Terminal.DeriveKey(); k != "" {
			s.TerminalKey = k
		}
		s.Source = NormalizeSource(in.Source)
		fillIfEmpty(&s.Title, in.Title)
		fillIfEmpty(&s.TranscriptPath, in.TranscriptPath)
		fillIfEmpty(&s.Cwd, in.Cwd)
		fillIfEmpty(&s.Project, in.Project)
		if s.Autocompact == nil {
			s.Autocompact = in.Autocompact
		}
		if s.Git == nil {
			s.Git = in.Git
		}
	} else {
		fillIfEmpty(&s.Title, in.Title)
		fillIfEmpty(&s.TranscriptPath, in.TranscriptPath)
		fillIfEmpty(&s.Cwd, in.Cwd)
		fillIfEmpty(&s.Project, in.Project)
	}
	r.touch(s, in.Timestamp)
	r.focusedID = in.ID
	return s.Clone()
}

// RegisterDiscoveredSession registers a record from the startup process
// scan under a DISCOVERED:<inner> terminal key. No-op if the id exists.
func (r *Registry) RegisterDiscoveredSession(d DiscoveredSession) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[d.ID]; ok {
		return nil, false
	}

	inner := d.TerminalInner
	if inner == "" {
		inner = d.ID
	}
	title := d.Title
	if title == "" {
		title = ProjectName("", d.Cwd)
	}
	s := &Session{
		ID:             d.ID,
		Source:         "claude_code",
		Status:         Active,
		Title:          title,
		TranscriptPath: d.TranscriptPath,
		Cwd:            d.Cwd,
		Project:        d.Project,
		Terminal:       d.Terminal,
		TerminalKey:    DiscoveredPrefix + ":" + inner,
		RegisteredAt:   r.now(),
		Context:        d.Context,
	}
	r.touch(s, d.LastActivity)
	r.sessions[d.ID] = s
	r.focusedID = d.ID
	return s.Clone(), true
}

// UpdateActivity marks a session as working and focuses it. Returns false
// when the session is unknown.
func (r *Registry) UpdateActivity(in ActivityInput) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[in.ID]
	if !ok {
		return nil, false
	}
	s.Status = Working
	if in.Title != "" {
		s.Title = in.Title
	}
	r.touch(s, in.Timestamp)
	r.focusedID = in.ID
	return s.Clone(), true
}

// UpdateContext merges context metrics into the session, auto-registering
// it with an AUTO: terminal key when unknown. Focus moves to the session.
func (r *Registry) UpdateContext(in ContextInput) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[in.ID]
	if !ok {
		s = &Session{
			ID:           in.ID,
			Source:       "claude_code",
			Status:       Active,
			Project:      ProjectName(in.Project, in.Cwd),
			Cwd:          in.Cwd,
			TerminalKey:  AutoPrefix + ":" + in.ID,
			RegisteredAt: r.now(),
		}
		s.Title = s.Project
		if s.Title == "" {
			s.Title = in.ID
		}
		r.sessions[in.ID] = s
	}

	r.mergeContextLocked(s, in)
	r.focusedID = in.ID
	return s.Clone()
}

// MergeContext merges context metrics like UpdateContext but never moves
// focus and never auto-registers. Background refreshes (transcript
// watchers) go through here so they cannot steal focus from the session
// the user is actually in. Returns false when the session is unknown.
func (r *Registry) MergeContext(in ContextInput) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[in.ID]
	if !ok {
		return nil, false
	}
	r.mergeContextLocked(s, in)
	return s.Clone(), true
}

func (r *Registry) mergeContextLocked(s *Session, in ContextInput) {
	metrics := in.Metrics
	s.Context = &metrics
	if in.Model != nil {
		s.Model = in.Model
	}
	if in.Cwd != "" {
		s.Cwd = in.Cwd
	}
	if p := ProjectName(in.Project, in.Cwd); p != "" {
		s.Project = p
		if s.Title == "" || s.Title == in.ID {
			s.Title = p
		}
	}
	if in.Title != "" {
		s.Title = in.Title
	}
	fillIfEmpty(&s.TranscriptPath, in.TranscriptPath)
	if in.Autocompact != nil {
		s.Autocompact = in.Autocompact
	}
	if in.Git != nil {
		s.Git = in.Git
	}
	// A context event may carry a terminal key, but only a concrete
	// session_start is allowed to upgrade an already-concrete key.
	if in.TerminalKey != "" && IsPartialKey(s.TerminalKey) {
		s.TerminalKey = in.TerminalKey
	}
	r.touch(s, in.Timestamp)
}

// SetSessionIdle sets status to idle. Focus is left alone.
func (r *Registry) SetSessionIdle(id string, ts int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	s.Status = Idle
	r.touch(s, ts)
	return s.Clone(), true
}

// UnregisterSession removes a session. If it held focus, focus shifts to
// the most recently active survivor, or clears when none remain.
func (r *Registry) UnregisterSession(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(id)
}

func (r *Registry) unregisterLocked(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	if r.focusedID == id {
		r.focusedID = ""
		var best *Session
		for _, cand := range r.sessions {
			if best == nil || cand.LastActivity > best.LastActivity {
				best = cand
			}
		}
		if best != nil {
			r.focusedID = best.ID
		}
	}
	return s.Clone(), true
}

// Get returns a clone of the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Sessions returns all sessions in strict descending last_activity order.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		if out[i].RegisteredAt != out[j].RegisteredAt {
			return out[i].RegisteredAt > out[j].RegisteredAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// FocusedID returns the focused session id, or "" when none.
func (r *Registry) FocusedID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focusedID
}

// Focused returns the focused session, or nil.
func (r *Registry) Focused() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.focusedID == "" {
		return nil
	}
	if s, ok := r.sessions[r.focusedID]; ok {
		return s.Clone()
	}
	return nil
}

// SetFocus moves focus to id. Returns false (and leaves focus alone) when
// the id is unknown or already focused.
func (r *Registry) SetFocus(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	if r.focusedID == id {
		return false
	}
	r.focusedID = id
	return true
}

// FindByTerminalKey matches a session by exact terminal key. For ITERM:
// keys the UUID suffix after the last colon also matches, so emitter-side
// keys like "ITERM:w0t0p0:UUID" find registry-side keys "ITERM:UUID" and
// vice versa.
func (r *Registry) FindByTerminalKey(key string) (*Session, bool) {
	if key == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.TerminalKey == key {
			return s.Clone(), true
		}
	}

	if uuid := itermUUID(key); uuid != "" {
		for _, s := range r.sessions {
			if candidate := itermUUID(s.TerminalKey); candidate != "" && candidate == uuid {
				return s.Clone(), true
			}
		}
	}
	return nil, false
}

// itermUUID extracts the UUID suffix of an ITERM: key. iTerm session ids
// look like "w0t0p0:UUID"; the stable part is the UUID after the last colon.
func itermUUID(key string) string {
	if !strings.HasPrefix(key, ITermPrefix+":") {
		return ""
	}
	rest := key[len(ITermPrefix)+1:]
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		rest = rest[i+1:]
	}
	return rest
}

// StartCleanup schedules a periodic sweep that removes sessions which are
// idle and whose last activity is older than maxIdle. onRemoved is invoked
// outside the registry lock for every removal.
func (r *Registry) StartCleanup(maxIdle, interval time.Duration, onRemoved func(*Session)) {
	r.mu.Lock()
	if r.cleanupStop != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.cleanupStop = stop
	r.mu.Unlock()

	r.cleanupWG.Add(1)
	go func() {
		defer r.cleanupWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, s := range r.sweepStale(maxIdle) {
					log.Printf("[registry] removed stale session %s (idle %s)", s.ID, maxIdle)
					if onRemoved != nil {
						onRemoved(s)
					}
				}
			}
		}
	}()
}

// StopCleanup stops the sweeper and waits for it to exit.
func (r *Registry) StopCleanup() {
	r.mu.Lock()
	stop := r.cleanupStop
	r.cleanupStop = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
		r.cleanupWG.Wait()
	}
}

// sweepStale removes idle sessions older than maxIdle and returns them.
func (r *Registry) sweepStale(maxIdle time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now() - maxIdle.Milliseconds()
	var ids []string
	for id, s := range r.sessions {
		if s.Status == Idle && s.LastActivity < cutoff {
			ids = append(ids, id)
		}
	}
	removed := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.unregisterLocked(id); ok {
			removed = append(removed, s)
		}
	}
	return removed
}

func fillIfEmpty(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}
