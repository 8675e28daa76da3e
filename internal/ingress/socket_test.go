package ingress

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type collectingHandler struct {
	mu    sync.Mutex
	lines []string
	got   chan struct{}
}

func newCollectingHandler() *collectingHandler {
	return &collectingHandler{got: make(chan struct{}, 64)}
}

func (h *collectingHandler) HandleLine(line []byte) {
	h.mu.Lock()
	h.lines = append(h.lines, string(line))
	h.mu.Unlock()
	h.got <- struct{}{}
}

func (h *collectingHandler) waitN(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for line %d of %d", i+1, n)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

func socketPath(t *testing.T) string {
	t.Helper()
	// Unix socket paths are length-limited; TMPDIR keeps them short.
	dir, err := os.MkdirTemp("", "jacques-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "j.sock")
}

func TestListenerDeliversLines(t *testing.T) {
	path := socketPath(t)
	h := newCollectingHandler()
	l := NewListener(path, h)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("{\"event\":\"a\"}\n{\"event\":\"b\"}\n")); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	lines := h.waitN(t, 2)
	if lines[0] != `{"event":"a"}` || lines[1] != `{"event":"b"}` {
		t.Errorf("lines = %v", lines)
	}
}

func TestListenerHandlesConcurrentConnections(t *testing.T) {
	path := socketPath(t)
	h := newCollectingHandler()
	l := NewListener(path, h)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	const conns = 5
	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("unix", path)
			if err != nil {
				t.Error(err)
				return
			}
			defer conn.Close()
			conn.Write([]byte("{\"event\":\"x\"}\n"))
		}()
	}
	wg.Wait()

	if lines := h.waitN(t, conns); len(lines) != conns {
		t.Errorf("lines = %d, want %d", len(lines), conns)
	}
}

func TestStartFailsWhenSocketBusy(t *testing.T) {
	path := socketPath(t)
	first := NewListener(path, newCollectingHandler())
	if err := first.Start(); err != nil {
		t.Fatal(err)
	}
	defer first.Stop()

	second := NewListener(path, newCollectingHandler())
	err := second.Start()
	if !errors.Is(err, ErrSocketBusy) {
		t.Fatalf("err = %v, want ErrSocketBusy", err)
	}
}

func TestStartReclaimsStaleSocket(t *testing.T) {
	path := socketPath(t)

	// A leftover file with no listener behind it.
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stale socket missing: %v", err)
	}

	h := newCollectingHandler()
	l := NewListener(path, h)
	if err := l.Start(); err != nil {
		t.Fatalf("Start over stale socket: %v", err)
	}
	defer l.Stop()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	conn.Write([]byte("{}\n"))
	conn.Close()
	h.waitN(t, 1)
}

func TestStopRemovesSocketFile(t *testing.T) {
	path := socketPath(t)
	l := NewListener(path, newCollectingHandler())
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	l.Stop()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket file still present after Stop: %v", err)
	}
}
