package events

import (
	"encoding/json"
	"testing"
)

func TestParseRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
	}{
		{"valid", `{"event":"idle","session_id":"A","timestamp":1000}`, true},
		{"missing event", `{"session_id":"A"}`, false},
		{"missing session_id", `{"event":"idle"}`, false},
		{"not json", `{{{`, false},
		{"empty", ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.line))
			if (err == nil) != tt.ok {
				t.Errorf("Parse(%q) err=%v, want ok=%v", tt.line, err, tt.ok)
			}
		})
	}
}

func TestParseNormalizesSource(t *testing.T) {
	ev, err := Parse([]byte(`{"event":"session_start","session_id":"A","source":"resume"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Source != "claude_code" {
		t.Errorf("source = %q, want claude_code", ev.Source)
	}
	if ev.HookSource != "resume" {
		t.Errorf("hook_source = %q, want resume", ev.HookSource)
	}
}

func TestParsePreservesUnknownSource(t *testing.T) {
	ev, err := Parse([]byte(`{"event":"session_start","session_id":"A","source":"cursor"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Source != "cursor" {
		t.Errorf("source = %q, want cursor", ev.Source)
	}
	if ev.HookSource != "" {
		t.Errorf("hook_source = %q, want empty", ev.HookSource)
	}
}

func TestRoundTrip(t *testing.T) {
	line := `{"event":"session_start","timestamp":1000,"session_id":"A","session_title":"fix parser","cwd":"/u/x/proj","project":"proj","terminal":{"tty":"/dev/ttys1","terminal_pid":4321},"terminal_key":"TTY:/dev/ttys1"}`
	ev, err := Parse([]byte(line))
	if err != nil {
		t.Fatal(err)
	}

	out, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	ev2, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	if ev2.SessionID != ev.SessionID || ev2.Timestamp != ev.Timestamp ||
		ev2.SessionTitle != ev.SessionTitle || ev2.TerminalKey != ev.TerminalKey {
		t.Errorf("round trip diverged:\n  in  %+v\n  out %+v", ev, ev2)
	}
	if ev2.Terminal == nil || ev2.Terminal.TTY != "/dev/ttys1" || ev2.Terminal.TerminalPID != 4321 {
		t.Errorf("terminal block lost: %+v", ev2.Terminal)
	}
}

func TestNumberCoercion(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		value   float64
		invalid bool
	}{
		{"number", `42.5`, 42.5, false},
		{"string number", `"42.5"`, 42.5, false},
		{"garbage string", `"lots"`, 0, true},
		{"object", `{}`, 0, true},
		{"null", `null`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n Number
			if err := json.Unmarshal([]byte(tt.raw), &n); err != nil {
				t.Fatalf("unmarshal returned error: %v", err)
			}
			if n.Value != tt.value || n.Invalid != tt.invalid {
				t.Errorf("Number(%s) = {%v %v}, want {%v %v}", tt.raw, n.Value, n.Invalid, tt.value, tt.invalid)
			}
		})
	}
}

func TestContextMetricsEstimateOnBadNumeric(t *testing.T) {
	ev, err := Parse([]byte(`{"event":"context_update","session_id":"A","used_percentage":"not-a-number","is_estimate":false}`))
	if err != nil {
		t.Fatal(err)
	}
	m := ev.ContextMetrics()
	if !m.IsEstimate {
		t.Error("invalid numeric coercion must force is_estimate=true")
	}
	if m.UsedPercentage != 0 {
		t.Errorf("used = %v, want zero value", m.UsedPercentage)
	}
}

func TestContextMetricsGroundTruth(t *testing.T) {
	ev, err := Parse([]byte(`{"event":"context_update","session_id":"A","used_percentage":42,"context_window_size":200000,"is_estimate":false}`))
	if err != nil {
		t.Fatal(err)
	}
	m := ev.ContextMetrics()
	if m.IsEstimate {
		t.Error("well-formed ground-truth metrics flagged as estimate")
	}
	if m.UsedPercentage != 42 || m.WindowSize != 200000 {
		t.Errorf("metrics = %+v", m)
	}
	if m.RemainingPercentage != 58 {
		t.Errorf("derived remaining = %v, want 58", m.RemainingPercentage)
	}
}

func TestContextMetricsStringPercentages(t *testing.T) {
	ev, err := Parse([]byte(`{"event":"context_update","session_id":"A","used_percentage":"37","remaining_percentage":"63"}`))
	if err != nil {
		t.Fatal(err)
	}
	m := ev.ContextMetrics()
	if m.UsedPercentage != 37 || m.RemainingPercentage != 63 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestGitInfo(t *testing.T) {
	ev, err := Parse([]byte(`{"event":"session_start","session_id":"A","git_branch":"main","git_repo_root":"/u/x/proj"}`))
	if err != nil {
		t.Fatal(err)
	}
	g := ev.GitInfo()
	if g == nil || g.Branch != "main" || g.RepoRoot != "/u/x/proj" {
		t.Errorf("git = %+v", g)
	}

	ev2, _ := Parse([]byte(`{"event":"idle","session_id":"A"}`))
	if ev2.GitInfo() != nil {
		t.Error("empty git fields should yield nil")
	}
}

func TestTerminalIdentityFallbackPID(t *testing.T) {
	ev, err := Parse([]byte(`{"event":"activity","session_id":"A","tool_name":"Read","terminal_pid":777}`))
	if err != nil {
		t.Fatal(err)
	}
	ti := ev.TerminalIdentity()
	if ti.TerminalPID != 777 {
		t.Errorf("terminal pid = %d, want 777 from top-level field", ti.TerminalPID)
	}
}
