package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jacques-sh/jacques/internal/session"
)

// RegistryView is the read side of the session registry the broadcaster
// needs for initial_state and focus_changed payloads.
type RegistryView interface {
	Sessions() []*session.Session
	Focused() *session.Session
	FocusedID() string
	Count() int
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	dead bool
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// trySend queues a message without blocking. Returns false when the
// client is gone or its buffer is full. The mutex keeps the send attempt
// and close mutually exclusive, so the channel is never closed mid-send.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return
	}
	c.dead = true
	close(c.send)
}

// Broadcaster fans server state out to every connected dashboard client.
// Session updates on the hot path go through the throttled variant; state
// transitions (removal, focus loss) always go out immediately.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	registry RegistryView
	throttle time.Duration

	lastMu    sync.Mutex
	lastSent  map[string]time.Time
	lastCount int
}

func NewBroadcaster(registry RegistryView, throttle time.Duration) *Broadcaster {
	return &Broadcaster{
		clients:   make(map[*client]bool),
		registry:  registry,
		throttle:  throttle,
		lastSent:  make(map[string]time.Time),
		lastCount: registry.Count(),
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	state := InitialState{
		Type:             MsgInitialState,
		Sessions:         b.registry.Sessions(),
		FocusedSessionID: b.registry.FocusedID(),
	}
	b.sendTo(c, state)
	b.sendTo(c, ServerStatus{
		Type:         MsgServerStatus,
		Status:       "running",
		SessionCount: b.registry.Count(),
	})

	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Broadcast marshals v and fans it out to every client.
func (b *Broadcaster) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[ws] broadcast marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !c.trySend(data) {
			// Client can't keep up, disconnect it
			log.Printf("[ws] client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// BroadcastSessionUpdate sends one session's state with no focus message.
func (b *Broadcaster) BroadcastSessionUpdate(s *session.Session) {
	if s == nil {
		return
	}
	b.Broadcast(SessionUpdate{Type: MsgSessionUpdate, Session: s})
}

// BroadcastSessionWithFocus sends the session state followed by the
// current focus.
func (b *Broadcaster) BroadcastSessionWithFocus(s *session.Session) {
	if s == nil {
		return
	}
	b.BroadcastSessionUpdate(s)
	b.broadcastFocus()
	b.broadcastStatusIfCountChanged()
}

// BroadcastSessionWithFocusThrottled is the hot-path variant: repeat
// updates for the same session within the throttle window are dropped.
func (b *Broadcaster) BroadcastSessionWithFocusThrottled(s *session.Session) {
	if s == nil {
		return
	}
	now := time.Now()
	b.lastMu.Lock()
	last, ok := b.lastSent[s.ID]
	if ok && now.Sub(last) < b.throttle {
		b.lastMu.Unlock()
		return
	}
	b.lastSent[s.ID] = now
	b.lastMu.Unlock()

	b.BroadcastSessionWithFocus(s)
}

// BroadcastSessionRemovedWithFocus announces a removal and whatever focus
// state the registry settled on. Never throttled.
func (b *Broadcaster) BroadcastSessionRemovedWithFocus(sessionID string) {
	b.lastMu.Lock()
	delete(b.lastSent, sessionID)
	b.lastMu.Unlock()

	b.Broadcast(SessionRemoved{Type: MsgSessionRemoved, SessionID: sessionID})
	b.broadcastFocus()
	b.broadcastStatusIfCountChanged()
}

// ForceBroadcastFocusChange pushes the current focus regardless of
// whether it changed. Used after terminal activation.
func (b *Broadcaster) ForceBroadcastFocusChange() {
	b.broadcastFocus()
}

func (b *Broadcaster) broadcastFocus() {
	focused := b.registry.Focused()
	msg := FocusChanged{Type: MsgFocusChanged}
	if focused != nil {
		msg.SessionID = focused.ID
		msg.Session = focused
	}
	b.Broadcast(msg)
}

// broadcastStatusIfCountChanged emits a server_status heartbeat when the
// session count moved since the last one.
func (b *Broadcaster) broadcastStatusIfCountChanged() {
	count := b.registry.Count()
	b.lastMu.Lock()
	changed := count != b.lastCount
	b.lastCount = count
	b.lastMu.Unlock()
	if changed {
		b.BroadcastServerStatus("running")
	}
}

// BroadcastServerStatus pushes the heartbeat message.
func (b *Broadcaster) BroadcastServerStatus(status string) {
	b.Broadcast(ServerStatus{
		Type:         MsgServerStatus,
		Status:       status,
		SessionCount: b.registry.Count(),
	})
}

// BroadcastServerLog mirrors a daemon log line to connected clients.
func (b *Broadcaster) BroadcastServerLog(level, message, source string) {
	b.Broadcast(ServerLog{
		Type:      MsgServerLog,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
		Source:    source,
	})
}

func (b *Broadcaster) sendTo(c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[ws] marshal error: %v", err)
		return
	}
	// Dropped when the client is gone or too slow.
	c.trySend(data)
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// CloseAll disconnects every client. Used at shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*client]bool)
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
