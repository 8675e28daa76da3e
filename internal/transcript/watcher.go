package transcript

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// UpdateFunc receives recomputed stats after the watched transcript
// changes. HandoffFunc fires once when the handoff file appears next to
// the transcript.
type (
	UpdateFunc  func(sessionID string, stats Stats)
	HandoffFunc func(sessionID, path string)
)

// Manager owns one watcher per session transcript. Arm is idempotent per
// session id; the first call with a known path starts the watcher.
type Manager struct {
	mu       sync.Mutex
	watchers map[string]*watcher
	debounce time.Duration

	onUpdate  UpdateFunc
	onHandoff HandoffFunc
}

func NewManager(debounce time.Duration, onUpdate UpdateFunc, onHandoff HandoffFunc) *Manager {
	return &Manager{
		watchers:  make(map[string]*watcher),
		debounce:  debounce,
		onUpdate:  onUpdate,
		onHandoff: onHandoff,
	}
}

// Arm starts watching the transcript for sessionID. Already-armed
// sessions are left alone.
func (m *Manager) Arm(sessionID, transcriptPath string) {
	if transcriptPath == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[sessionID]; ok {
		return
	}

	w, err := newWatcher(sessionID, transcriptPath, m.debounce, m.onUpdate, m.onHandoff)
	if err != nil {
		log.Printf("[transcript] cannot watch %s: %v", transcriptPath, err)
		return
	}
	m.watchers[sessionID] = w
	log.Printf("[transcript] watching %s for session %s", transcriptPath, sessionID)
}

// Stop stops the watcher for one session, if armed.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	w, ok := m.watchers[sessionID]
	delete(m.watchers, sessionID)
	m.mu.Unlock()
	if ok {
		w.stop()
	}
}

// StopAll stops every watcher. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ws := make([]*watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.watchers = make(map[string]*watcher)
	m.mu.Unlock()
	for _, w := range ws {
		w.stop()
	}
}

// Armed reports whether a watcher exists for the session.
func (m *Manager) Armed(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[sessionID]
	return ok
}

type watcher struct {
	sessionID string
	path      string
	handoff   string
	debounce  time.Duration

	onUpdate  UpdateFunc
	onHandoff HandoffFunc

	fs       *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	handoffSent bool
}

// HandoffPath returns the well-known handoff document path for a
// transcript: <dir>/<session_id>-handoff.md.
func HandoffPath(transcriptPath string) string {
	base := strings.TrimSuffix(filepath.Base(transcriptPath), ".jsonl")
	return filepath.Join(filepath.Dir(transcriptPath), base+"-handoff.md")
}

func newWatcher(sessionID, path string, debounce time.Duration, onUpdate UpdateFunc, onHandoff HandoffFunc) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and the assistant replace files, and
	// watching the parent survives that.
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, err
	}

	w := &watcher{
		sessionID: sessionID,
		path:      path,
		handoff:   HandoffPath(path),
		debounce:  debounce,
		onUpdate:  onUpdate,
		onHandoff: onHandoff,
		fs:        fs,
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fs.Close()
	})
	w.wg.Wait()
}

func (w *watcher) run() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Name != w.path && ev.Name != w.handoff {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("[transcript] watch error for %s: %v", w.path, err)
		case <-timerC:
			w.tick()
		}
	}
}

// tick re-parses the transcript, reports stats, and checks for the
// handoff file.
func (w *watcher) tick() {
	entries, err := ParseFile(w.path)
	if err != nil {
		log.Printf("[transcript] reparse of %s failed: %v", w.path, err)
	} else if w.onUpdate != nil {
		w.onUpdate(w.sessionID, ComputeStats(entries))
	}

	if !w.handoffSent && w.onHandoff != nil {
		if _, err := os.Stat(w.handoff); err == nil {
			w.handoffSent = true
			w.onHandoff(w.sessionID, w.handoff)
		}
	}
}
