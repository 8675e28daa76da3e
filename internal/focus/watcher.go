package focus

import (
	"log"
	"sync"
	"time"

	"github.com/jacques-sh/jacques/internal/session"
)

// ForegroundFunc reports the terminal key candidate for the current
// OS-level foreground window. Platform-specific; see foreground_*.go.
type ForegroundFunc func() (string, error)

// FocusBroadcaster is the slice of the ws broadcaster the watcher needs.
type FocusBroadcaster interface {
	ForceBroadcastFocusChange()
}

// Watcher polls the foreground terminal and moves registry focus to the
// session owning it.
type Watcher struct {
	registry    *session.Registry
	broadcaster FocusBroadcaster
	interval    time.Duration
	foreground  ForegroundFunc

	hintMu sync.Mutex
	hints  map[string]string // terminal key -> session id, from hook events

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewWatcher(registry *session.Registry, broadcaster FocusBroadcaster, interval time.Duration, foreground ForegroundFunc) *Watcher {
	if foreground == nil {
		foreground = Foreground
	}
	return &Watcher{
		registry:    registry,
		broadcaster: broadcaster,
		interval:    interval,
		foreground:  foreground,
		hints:       make(map[string]string),
		stop:        make(chan struct{}),
	}
}

// NoteTerminalKey records a key observed on a hook event so later
// foreground polls can resolve it even when the registry lookup misses.
func (w *Watcher) NoteTerminalKey(sessionID, terminalKey string) {
	if sessionID == "" || terminalKey == "" || session.IsPartialKey(terminalKey) {
		return
	}
	w.hintMu.Lock()
	w.hints[terminalKey] = sessionID
	w.hintMu.Unlock()
}

func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	key, err := w.foreground()
	if err != nil || key == "" {
		return
	}

	id := w.resolve(key)
	if id == "" || id == w.registry.FocusedID() {
		return
	}
	if w.registry.SetFocus(id) {
		log.Printf("[focus] foreground terminal %s -> session %s", key, id)
		w.broadcaster.ForceBroadcastFocusChange()
	}
}

func (w *Watcher) resolve(key string) string {
	if s, ok := w.registry.FindByTerminalKey(key); ok {
		return s.ID
	}
	w.hintMu.Lock()
	id := w.hints[key]
	w.hintMu.Unlock()
	if id != "" {
		if _, ok := w.registry.Get(id); ok {
			return id
		}
	}
	return ""
}
