package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/jacques-sh/jacques/internal/ws"
)

// Broadcaster is the slice of the websocket fan-out the audit middleware
// needs.
type Broadcaster interface {
	Broadcast(v any)
}

// statusRecorder captures the response code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// audit logs every completed request and mirrors it to websocket clients
// as an api_log message.
func audit(broadcaster Broadcaster, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		log.Printf("[http] %s %s %d %s", r.Method, r.URL.Path, rec.status, duration)
		if broadcaster != nil {
			broadcaster.Broadcast(ws.APILog{
				Type:       ws.MsgAPILog,
				Method:     r.Method,
				Path:       r.URL.Path,
				Status:     rec.status,
				DurationMs: duration.Milliseconds(),
				Timestamp:  start.UnixMilli(),
			})
		}
	})
}
