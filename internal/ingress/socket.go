package ingress

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// ErrSocketBusy means another daemon instance already owns the socket.
var ErrSocketBusy = errors.New("socket already in use by a running server")

// LineHandler receives one newline-delimited event payload per call.
type LineHandler interface {
	HandleLine(line []byte)
}

// Listener accepts hook connections on a unix domain socket. Each
// connection carries newline-delimited JSON events; connections are
// short-lived and many can be open at once.
type Listener struct {
	path    string
	handler LineHandler

	ln       net.Listener
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

func NewListener(path string, handler LineHandler) *Listener {
	return &Listener{
		path:    path,
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Start binds the socket and begins accepting. A live socket owned by
// another process is fatal; a stale file from a dead one is unlinked.
func (l *Listener) Start() error {
	if _, err := os.Stat(l.path); err == nil {
		conn, err := net.DialTimeout("unix", l.path, time.Second)
		if err == nil {
			conn.Close()
			return fmt.Errorf("%w: %s", ErrSocketBusy, l.path)
		}
		log.Printf("[ingress] removing stale socket %s", l.path)
		if err := os.Remove(l.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.path, err)
	}
	l.ln = ln
	log.Printf("[ingress] listening on %s", l.path)

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			log.Printf("[ingress] accept error: %v", err)
			return
		}
		l.wg.Add(1)
		go l.serve(conn)
	}
}

// serve reads events from one hook connection until it closes. A bad
// line never takes the connection down; the handler decides what to
// drop.
func (l *Listener) serve(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		l.handler.HandleLine(line)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[ingress] read error: %v", err)
	}
}

// Stop closes the listener, waits for in-flight connections, and removes
// the socket file.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		if l.ln != nil {
			l.ln.Close()
		}
	})
	l.wg.Wait()
	os.Remove(l.path)
}
