package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// RequestHandler services inbound client messages. The daemon implements
// it; results come back over the broadcaster, not the request path.
type RequestHandler interface {
	SelectSession(sessionID string)
	TriggerAction(sessionID, action string)
	ToggleAutocompact(enabled bool)
	GetHandoffContext(sessionID string)
	FocusTerminal(sessionID string)
	TileWindows()
	UpdateNotificationSettings(settings json.RawMessage)
	ChatSend(sessionID, text string)
	ChatAbort(sessionID string)
}

// Server owns the websocket endpoint on the dashboard port.
type Server struct {
	broadcaster *Broadcaster
	handler     RequestHandler
	httpServer  *http.Server
}

func NewServer(broadcaster *Broadcaster, handler RequestHandler) *Server {
	return &Server{
		broadcaster: broadcaster,
		handler:     handler,
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	log.Printf("[ws] client connected: %s", r.RemoteAddr)
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("[ws] client disconnected: %s", r.RemoteAddr)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.dispatch(data)
		}
	}()
}

func (s *Server) dispatch(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[ws] malformed client message: %v", err)
		return
	}
	if s.handler == nil {
		return
	}

	switch msg.Type {
	case ClientSelectSession:
		s.handler.SelectSession(msg.SessionID)
	case ClientTriggerAction:
		s.handler.TriggerAction(msg.SessionID, msg.Action)
	case ClientToggleAutocompact:
		enabled := true
		if msg.Enabled != nil {
			enabled = *msg.Enabled
		}
		s.handler.ToggleAutocompact(enabled)
	case ClientGetHandoffContext:
		s.handler.GetHandoffContext(msg.SessionID)
	case ClientFocusTerminal:
		s.handler.FocusTerminal(msg.SessionID)
	case ClientTileWindows:
		s.handler.TileWindows()
	case ClientUpdateNotificationSettings:
		s.handler.UpdateNotificationSettings(msg.Settings)
	case ClientChatSend:
		s.handler.ChatSend(msg.SessionID, msg.Text)
	case ClientChatAbort:
		s.handler.ChatAbort(msg.SessionID)
	default:
		log.Printf("[ws] unknown client message type %q", msg.Type)
	}
}

// checkOrigin accepts browser connections from the local machine only.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// ListenAndServe runs the websocket endpoint until Shutdown.
func (s *Server) ListenAndServe(host string, port int) error {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	addr := fmt.Sprintf("%s:%d", host, port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	log.Printf("[ws] listening on %s", addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
