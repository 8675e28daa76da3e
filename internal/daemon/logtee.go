package daemon

import (
	"io"
	"strings"
	"sync"

	"github.com/jacques-sh/jacques/internal/ws"
)

// logTee mirrors daemon log output to websocket clients as server_log
// messages. Broadcasting happens on its own goroutine so log statements
// inside the broadcast path cannot re-enter the tee.
type logTee struct {
	out         io.Writer
	broadcaster *ws.Broadcaster

	lines chan string
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newLogTee(out io.Writer, broadcaster *ws.Broadcaster) *logTee {
	t := &logTee{
		out:         out,
		broadcaster: broadcaster,
		lines:       make(chan string, 256),
		done:        make(chan struct{}),
	}
	t.wg.Add(1)
	go t.pump()
	return t
}

func (t *logTee) Write(p []byte) (int, error) {
	n, err := t.out.Write(p)
	line := strings.TrimRight(string(p), "\n")
	select {
	case t.lines <- line:
	default:
		// Fan-out saturated; the terminal still got the line.
	}
	return n, err
}

func (t *logTee) pump() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case line := <-t.lines:
			t.broadcaster.BroadcastServerLog(levelOf(line), line, "daemon")
		}
	}
}

func (t *logTee) stop() {
	t.once.Do(func() { close(t.done) })
	t.wg.Wait()
}

// levelOf guesses a log level from the message text; the stdlib logger has
// no levels of its own.
func levelOf(line string) string {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "error") || strings.Contains(l, "failed") || strings.Contains(l, "cannot"):
		return "error"
	case strings.Contains(l, "warn") || strings.Contains(l, "dropping") || strings.Contains(l, "stale"):
		return "warn"
	default:
		return "info"
	}
}
