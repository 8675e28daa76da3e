package transcript

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const watcherLine = `{"type":"user","sessionId":"s1","timestamp":"2026-01-30T10:00:00.000Z","message":{"role":"user","content":"hello"}}
`

type updateCollector struct {
	mu       sync.Mutex
	updates  []Stats
	handoffs []string
	updated  chan struct{}
	handoff  chan struct{}
}

func newUpdateCollector() *updateCollector {
	return &updateCollector{
		updated: make(chan struct{}, 16),
		handoff: make(chan struct{}, 16),
	}
}

func (c *updateCollector) onUpdate(sessionID string, s Stats) {
	c.mu.Lock()
	c.updates = append(c.updates, s)
	c.mu.Unlock()
	c.updated <- struct{}{}
}

func (c *updateCollector) onHandoff(sessionID, path string) {
	c.mu.Lock()
	c.handoffs = append(c.handoffs, path)
	c.mu.Unlock()
	c.handoff <- struct{}{}
}

func waitFor(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestWatcherReportsStatsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s1.jsonl")
	if err := os.WriteFile(path, []byte(watcherLine), 0644); err != nil {
		t.Fatal(err)
	}

	c := newUpdateCollector()
	m := NewManager(20*time.Millisecond, c.onUpdate, c.onHandoff)
	defer m.StopAll()

	m.Arm("s1", path)
	if !m.Armed("s1") {
		t.Fatal("watcher not armed")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(watcherLine); err != nil {
		t.Fatal(err)
	}
	f.Close()

	waitFor(t, c.updated, "stats update")
	c.mu.Lock()
	last := c.updates[len(c.updates)-1]
	c.mu.Unlock()
	if last.UserMessages != 2 {
		t.Errorf("user messages = %d, want 2", last.UserMessages)
	}
}

func TestWatcherDetectsHandoff(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s1.jsonl")
	if err := os.WriteFile(path, []byte(watcherLine), 0644); err != nil {
		t.Fatal(err)
	}

	c := newUpdateCollector()
	m := NewManager(20*time.Millisecond, c.onUpdate, c.onHandoff)
	defer m.StopAll()
	m.Arm("s1", path)

	handoff := HandoffPath(path)
	if err := os.WriteFile(handoff, []byte("# Handoff\n"), 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, c.handoff, "handoff notification")
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handoffs) != 1 || c.handoffs[0] != handoff {
		t.Errorf("handoffs = %v", c.handoffs)
	}
}

func TestArmIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s1.jsonl")
	if err := os.WriteFile(path, []byte(watcherLine), 0644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(20*time.Millisecond, nil, nil)
	defer m.StopAll()

	m.Arm("s1", path)
	m.Arm("s1", path)
	m.Arm("s1", "")

	if !m.Armed("s1") {
		t.Error("watcher lost after repeat Arm")
	}
}

func TestStopAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s1.jsonl")
	if err := os.WriteFile(path, []byte(watcherLine), 0644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(20*time.Millisecond, nil, nil)
	m.Arm("s1", path)
	m.StopAll()
	if m.Armed("s1") {
		t.Error("watcher still armed after StopAll")
	}
}
