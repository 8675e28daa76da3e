package session

import (
	"sync/atomic"
	"testing"
	"time"
)

func testRegistry(startMillis int64) (*Registry, *atomic.Int64) {
	r := NewRegistry()
	clock := &atomic.Int64{}
	clock.Store(startMillis)
	r.now = func() int64 { return clock.Load() }
	return r, clock
}

func startEvent(id string, ts int64, key string) RegisterInput {
	return RegisterInput{
		ID:          id,
		Source:      "startup",
		Cwd:         "/home/user/proj",
		Project:     "proj",
		TerminalKey: key,
		Timestamp:   ts,
	}
}

func TestRegisterSetsFocus(t *testing.T) {
	r, _ := testRegistry(1)
	r.RegisterSession(startEvent("A", 1000, "TTY:/dev/ttys1"))
	if got := r.FocusedID(); got != "A" {
		t.Errorf("focus = %q, want A", got)
	}
	r.RegisterSession(startEvent("B", 1200, "TTY:/dev/ttys2"))
	if got := r.FocusedID(); got != "B" {
		t.Errorf("focus = %q, want B", got)
	}
}

func TestRegisterNormalizesSource(t *testing.T) {
	r, _ := testRegistry(1)
	for _, raw := range []string{"startup", "resume", "clear", "compact", ""} {
		in := startEvent("S-"+raw, 100, "TTY:/dev/ttys9")
		in.Source = raw
		s := r.RegisterSession(in)
		if s.Source != "claude_code" {
			t.Errorf("source %q normalized to %q, want claude_code", raw, s.Source)
		}
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r, _ := testRegistry(1)
	first := r.RegisterSession(startEvent("A", 1000, "TTY:/dev/ttys1"))
	second := r.RegisterSession(startEvent("A", 1000, "TTY:/dev/ttys1"))

	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
	if second.LastActivity < first.LastActivity {
		t.Error("last_activity regressed on re-register")
	}
	first.LastActivity = 0
	second.LastActivity = 0
	if *first != *second {
		t.Errorf("re-register changed state:\n  first  %+v\n  second %+v", first, second)
	}
}

func TestEnumerationDescendingActivity(t *testing.T) {
	r, _ := testRegistry(1)
	r.RegisterSession(startEvent("A", 1000, "TTY:/dev/ttys1"))
	r.RegisterSession(startEvent("B", 1200, "TTY:/dev/ttys2"))
	r.UpdateActivity(ActivityInput{ID: "A", Timestamp: 1100, ToolName: "Read"})

	got := r.Sessions()
	if len(got) != 2 || got[0].ID != "B" || got[1].ID != "A" {
		ids := make([]string, len(got))
		for i, s := range got {
			ids[i] = s.ID
		}
		t.Errorf("enumeration order = %v, want [B A]", ids)
	}

	r.UpdateActivity(ActivityInput{ID: "A", Timestamp: 1300, ToolName: "Write"})
	got = r.Sessions()
	if got[0].ID != "A" {
		t.Errorf("after newer activity, first = %s, want A", got[0].ID)
	}
}

func TestActivityUnknownSessionDropped(t *testing.T) {
	r, _ := testRegistry(1)
	if _, ok := r.UpdateActivity(ActivityInput{ID: "ghost", Timestamp: 100}); ok {
		t.Error("activity for unknown session should not register it")
	}
	if r.Count() != 0 {
		t.Error("registry mutated by dropped activity event")
	}
}

func TestContextAutoRegisters(t *testing.T) {
	r, _ := testRegistry(400)
	s := r.UpdateContext(ContextInput{
		ID:        "C",
		Timestamp: 500,
		Metrics:   ContextMetrics{UsedPercentage: 42, WindowSize: 200000},
		Project:   "/u/x/proj",
	})

	if s.TerminalKey != "AUTO:C" {
		t.Errorf("terminal_key = %q, want AUTO:C", s.TerminalKey)
	}
	if s.Project != "proj" {
		t.Errorf("project = %q, want proj", s.Project)
	}
	if r.FocusedID() != "C" {
		t.Errorf("focus = %q, want C", r.FocusedID())
	}
	if s.Context == nil || s.Context.UsedPercentage != 42 {
		t.Errorf("context metrics not merged: %+v", s.Context)
	}
}

func TestMergeContextKeepsFocus(t *testing.T) {
	r, _ := testRegistry(1)
	r.RegisterSession(startEvent("A", 1000, "TTY:/dev/ttys1"))
	r.RegisterSession(startEvent("B", 1200, "TTY:/dev/ttys2"))

	s, ok := r.MergeContext(ContextInput{
		ID:        "A",
		Timestamp: 1300,
		Metrics:   ContextMetrics{UsedPercentage: 55, WindowSize: 200000, IsEstimate: true},
	})
	if !ok {
		t.Fatal("merge for known session reported unknown")
	}
	if s.Context == nil || s.Context.UsedPercentage != 55 {
		t.Errorf("context metrics not merged: %+v", s.Context)
	}
	if r.FocusedID() != "B" {
		t.Errorf("focus = %q, want B (background merge must not move it)", r.FocusedID())
	}
}

func TestMergeContextUnknownSessionDropped(t *testing.T) {
	r, _ := testRegistry(1)
	if _, ok := r.MergeContext(ContextInput{ID: "ghost", Timestamp: 100}); ok {
		t.Error("merge for unknown session should not register it")
	}
	if r.Count() != 0 {
		t.Error("registry mutated by dropped merge")
	}
}

func TestPartialUpgradeInPlace(t *testing.T) {
	r, _ := testRegistry(400)
	r.UpdateContext(ContextInput{ID: "C", Timestamp: 500, Metrics: ContextMetrics{UsedPercentage: 42}})

	in := startEvent("C", 600, "ITERM:w0t0p0:U")
	in.Terminal = TerminalIdentity{ITermSessionID: "w0t0p0:U"}
	s := r.RegisterSession(in)

	if r.Count() != 1 {
		t.Fatalf("upgrade duplicated session: count = %d", r.Count())
	}
	if s.TerminalKey != "ITERM:w0t0p0:U" {
		t.Errorf("terminal_key = %q, want ITERM:w0t0p0:U", s.TerminalKey)
	}
	if s.Context == nil || s.Context.UsedPercentage != 42 {
		t.Error("upgrade dropped context metrics")
	}
}

func TestUpgradeOnlyOnce(t *testing.T) {
	r, _ := testRegistry(400)
	r.UpdateContext(ContextInput{ID: "C", Timestamp: 500})
	in := startEvent("C", 600, "ITERM:w0t0p0:U")
	r.RegisterSession(in)

	// A later context event carrying a key must not regress the prefix.
	s := r.UpdateContext(ContextInput{ID: "C", Timestamp: 700, TerminalKey: "AUTO:C"})
	if s.TerminalKey != "ITERM:w0t0p0:U" {
		t.Errorf("terminal_key regressed to %q", s.TerminalKey)
	}
}

func TestDiscoveredNoOpWhenExists(t *testing.T) {
	r, _ := testRegistry(1)
	r.RegisterSession(startEvent("A", 1000, "TTY:/dev/ttys1"))
	if _, created := r.RegisterDiscoveredSession(DiscoveredSession{ID: "A"}); created {
		t.Error("discovered record replaced a live session")
	}
	s, _ := r.Get("A")
	if s.TerminalKey != "TTY:/dev/ttys1" {
		t.Errorf("terminal_key = %q after discovered no-op", s.TerminalKey)
	}
}

func TestDiscoveredKeyPrefix(t *testing.T) {
	r, _ := testRegistry(1)
	s, created := r.RegisterDiscoveredSession(DiscoveredSession{
		ID:            "D",
		Cwd:           "/home/user/api",
		TerminalInner: "TTY:/dev/ttys3:54321",
	})
	if !created {
		t.Fatal("expected creation")
	}
	if s.TerminalKey != "DISCOVERED:TTY:/dev/ttys3:54321" {
		t.Errorf("terminal_key = %q", s.TerminalKey)
	}
	if s.Title != "api" {
		t.Errorf("fallback title = %q, want api", s.Title)
	}
}

func TestIdleDoesNotMoveFocus(t *testing.T) {
	r, _ := testRegistry(1)
	r.RegisterSession(startEvent("A", 1000, "TTY:/dev/ttys1"))
	r.RegisterSession(startEvent("B", 1200, "TTY:/dev/ttys2"))

	s, ok := r.SetSessionIdle("A", 1300)
	if !ok || s.Status != Idle {
		t.Fatalf("SetSessionIdle: ok=%v status=%v", ok, s.Status)
	}
	if r.FocusedID() != "B" {
		t.Errorf("focus moved on idle: %q", r.FocusedID())
	}
}

func TestUnregisterShiftsFocus(t *testing.T) {
	r, _ := testRegistry(1)
	r.RegisterSession(startEvent("A", 1000, "TTY:/dev/ttys1"))
	r.RegisterSession(startEvent("B", 1200, "TTY:/dev/ttys2"))
	r.UpdateActivity(ActivityInput{ID: "A", Timestamp: 2000})

	removed, ok := r.UnregisterSession("A")
	if !ok || removed.ID != "A" {
		t.Fatal("unregister A failed")
	}
	if r.FocusedID() != "B" {
		t.Errorf("focus = %q, want surviving B", r.FocusedID())
	}

	r.UnregisterSession("B")
	if r.FocusedID() != "" {
		t.Errorf("focus = %q, want empty on empty registry", r.FocusedID())
	}
}

func TestFocusNeverDangles(t *testing.T) {
	r, _ := testRegistry(1)
	r.RegisterSession(startEvent("A", 1000, "TTY:/dev/ttys1"))
	r.RegisterSession(startEvent("B", 1100, "TTY:/dev/ttys2"))
	r.RegisterSession(startEvent("C", 1200, "TTY:/dev/ttys3"))

	for _, id := range []string{"C", "A", "B"} {
		r.UnregisterSession(id)
		if f := r.FocusedID(); f != "" {
			if _, ok := r.Get(f); !ok {
				t.Fatalf("focus %q dangles after removing %s", f, id)
			}
		}
	}
}

func TestFindByTerminalKeyITermSuffix(t *testing.T) {
	r, _ := testRegistry(1)
	in := startEvent("A", 1000, "ITERM:w0t0p0:U")
	r.RegisterSession(in)

	if s, ok := r.FindByTerminalKey("ITERM:w0t0p0:U"); !ok || s.ID != "A" {
		t.Error("exact ITERM key did not match")
	}
	if s, ok := r.FindByTerminalKey("ITERM:U"); !ok || s.ID != "A" {
		t.Error("ITERM UUID suffix did not match")
	}

	r2, _ := testRegistry(1)
	r2.RegisterSession(startEvent("B", 1000, "ITERM:U"))
	if s, ok := r2.FindByTerminalKey("ITERM:w0t0p0:U"); !ok || s.ID != "B" {
		t.Error("reverse ITERM suffix match failed")
	}
}

func TestFindByTerminalKeyMisses(t *testing.T) {
	r, _ := testRegistry(1)
	r.RegisterSession(startEvent("A", 1000, "TTY:/dev/ttys1"))
	if _, ok := r.FindByTerminalKey(""); ok {
		t.Error("empty key matched")
	}
	if _, ok := r.FindByTerminalKey("TTY:/dev/ttys2"); ok {
		t.Error("wrong tty matched")
	}
}

func TestSetFocus(t *testing.T) {
	r, _ := testRegistry(1)
	r.RegisterSession(startEvent("A", 1000, "TTY:/dev/ttys1"))
	r.RegisterSession(startEvent("B", 1200, "TTY:/dev/ttys2"))

	if !r.SetFocus("A") {
		t.Error("SetFocus to existing session returned false")
	}
	if r.SetFocus("A") {
		t.Error("SetFocus to already-focused session returned true")
	}
	if r.SetFocus("ghost") {
		t.Error("SetFocus to unknown session returned true")
	}
	if r.FocusedID() != "A" {
		t.Errorf("focus = %q, want A", r.FocusedID())
	}
}

func TestSweepRemovesIdleStale(t *testing.T) {
	r, clock := testRegistry(1000)
	r.RegisterSession(startEvent("old", 1000, "TTY:/dev/ttys1"))
	r.RegisterSession(startEvent("fresh", 1000, "TTY:/dev/ttys2"))
	r.SetSessionIdle("old", 1000)
	r.SetSessionIdle("fresh", 1000)

	// Advance past the threshold, then refresh one session.
	clock.Store(1000 + (60 * time.Minute).Milliseconds() + 1)
	r.UpdateActivity(ActivityInput{ID: "fresh", Timestamp: clock.Load()})
	r.SetSessionIdle("fresh", clock.Load())

	removed := r.sweepStale(60 * time.Minute)
	if len(removed) != 1 || removed[0].ID != "old" {
		t.Fatalf("sweep removed %v, want [old]", removed)
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("sweep removed a fresh session")
	}
}

func TestSweepIgnoresActiveSessions(t *testing.T) {
	r, clock := testRegistry(1000)
	r.RegisterSession(startEvent("busy", 1000, "TTY:/dev/ttys1"))
	clock.Store(1000 + (120 * time.Minute).Milliseconds())

	if removed := r.sweepStale(60 * time.Minute); len(removed) != 0 {
		t.Errorf("sweep removed non-idle session: %v", removed)
	}
}
