package daemon

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jacques-sh/jacques/internal/session"
	"github.com/jacques-sh/jacques/internal/ws"
)

func TestLogTeePassesThrough(t *testing.T) {
	var out bytes.Buffer
	b := ws.NewBroadcaster(session.NewRegistry(), time.Millisecond)
	tee := newLogTee(&out, b)
	defer tee.stop()

	n, err := tee.Write([]byte("[daemon] ready\n"))
	if err != nil || n != len("[daemon] ready\n") {
		t.Fatalf("write = %d, %v", n, err)
	}
	if !strings.Contains(out.String(), "[daemon] ready") {
		t.Errorf("out = %q", out.String())
	}
}

func TestLogTeeBroadcastsServerLog(t *testing.T) {
	var out bytes.Buffer
	b := ws.NewBroadcaster(session.NewRegistry(), time.Millisecond)
	tee := newLogTee(&out, b)
	defer tee.stop()

	conn := attachClient(t, b)
	tee.Write([]byte("[scanner] scan failed: boom\n"))

	msg := readMessage(t, conn)
	if msg["type"] != string(ws.MsgServerLog) {
		t.Fatalf("msg = %v", msg)
	}
	if msg["level"] != "error" || msg["source"] != "daemon" {
		t.Errorf("msg = %v", msg)
	}
	if !strings.Contains(msg["message"].(string), "scan failed") {
		t.Errorf("message = %v", msg["message"])
	}
}

func TestLevelOf(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"[ingress] listening on /tmp/jacques.sock", "info"},
		{"[pipeline] dropping malformed event: bad json", "warn"},
		{"[daemon] reclaiming stale pid file /x", "warn"},
		{"[transcript] reparse of /x failed: eof", "error"},
		{"[scanner] cannot inspect pid 42", "error"},
	}
	for _, tt := range tests {
		if got := levelOf(tt.line); got != tt.want {
			t.Errorf("levelOf(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}
