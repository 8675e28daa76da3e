package focus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacques-sh/jacques/internal/session"
)

type countingBroadcaster struct {
	forced atomic.Int32
}

func (c *countingBroadcaster) ForceBroadcastFocusChange() {
	c.forced.Add(1)
}

func registerPair(t *testing.T, r *session.Registry) {
	t.Helper()
	if s := r.RegisterSession(session.RegisterInput{
		ID:          "A",
		Source:      "claude_code",
		TerminalKey: "ITERM:w0t0p0:UUID-A",
		Timestamp:   1000,
	}); s == nil {
		t.Fatal("register A")
	}
	if s := r.RegisterSession(session.RegisterInput{
		ID:          "B",
		Source:      "claude_code",
		TerminalKey: "ITERM:w0t0p0:UUID-B",
		Timestamp:   2000,
	}); s == nil {
		t.Fatal("register B")
	}
}

func waitForFocus(t *testing.T, r *session.Registry, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.FocusedID() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("focus = %q, want %q", r.FocusedID(), want)
}

func TestWatcherMovesFocusToForegroundTerminal(t *testing.T) {
	r := session.NewRegistry()
	registerPair(t, r)
	if r.FocusedID() != "B" {
		t.Fatalf("precondition: focus = %q, want B", r.FocusedID())
	}

	b := &countingBroadcaster{}
	var key atomic.Value
	key.Store("ITERM:w0t0p0:UUID-A")

	w := NewWatcher(r, b, 10*time.Millisecond, func() (string, error) {
		return key.Load().(string), nil
	})
	w.Start()
	defer w.Stop()

	waitForFocus(t, r, "A")
	if b.forced.Load() == 0 {
		t.Error("no focus broadcast")
	}
}

func TestWatcherIgnoresUnknownAndEmptyKeys(t *testing.T) {
	r := session.NewRegistry()
	registerPair(t, r)

	b := &countingBroadcaster{}
	var key atomic.Value
	key.Store("")

	w := NewWatcher(r, b, 10*time.Millisecond, func() (string, error) {
		return key.Load().(string), nil
	})
	w.Start()
	defer w.Stop()

	key.Store("ITERM:w9t9p9:NOBODY")
	time.Sleep(60 * time.Millisecond)

	if got := r.FocusedID(); got != "B" {
		t.Errorf("focus = %q, want B untouched", got)
	}
	if b.forced.Load() != 0 {
		t.Errorf("forced broadcasts = %d, want 0", b.forced.Load())
	}
}

func TestWatcherDoesNotRebroadcastStableFocus(t *testing.T) {
	r := session.NewRegistry()
	registerPair(t, r)

	b := &countingBroadcaster{}
	w := NewWatcher(r, b, 10*time.Millisecond, func() (string, error) {
		return "ITERM:w0t0p0:UUID-B", nil
	})
	w.Start()
	defer w.Stop()

	// B is already focused; the poll must stay quiet.
	time.Sleep(60 * time.Millisecond)
	if b.forced.Load() != 0 {
		t.Errorf("forced broadcasts = %d, want 0", b.forced.Load())
	}
}

func TestNoteTerminalKeyResolvesWhenLookupMisses(t *testing.T) {
	r := session.NewRegistry()
	registerPair(t, r)

	b := &countingBroadcaster{}
	w := NewWatcher(r, b, 10*time.Millisecond, func() (string, error) {
		return "KITTY:42", nil
	})

	// Neither session carries a kitty key, but a hook told us who owns it.
	w.NoteTerminalKey("A", "KITTY:42")
	w.Start()
	defer w.Stop()

	waitForFocus(t, r, "A")
}

func TestNoteTerminalKeyRejectsPartialKeys(t *testing.T) {
	w := NewWatcher(session.NewRegistry(), &countingBroadcaster{}, time.Hour, nil)
	w.NoteTerminalKey("A", "AUTO:A")
	w.NoteTerminalKey("A", "DISCOVERED:PID:1")

	w.hintMu.Lock()
	defer w.hintMu.Unlock()
	if len(w.hints) != 0 {
		t.Errorf("hints = %v, want none", w.hints)
	}
}
