package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/jacques-sh/jacques/internal/catalog"
	"github.com/jacques-sh/jacques/internal/config"
	"github.com/jacques-sh/jacques/internal/events"
	"github.com/jacques-sh/jacques/internal/focus"
	"github.com/jacques-sh/jacques/internal/httpapi"
	"github.com/jacques-sh/jacques/internal/ingress"
	"github.com/jacques-sh/jacques/internal/scanner"
	"github.com/jacques-sh/jacques/internal/session"
	"github.com/jacques-sh/jacques/internal/transcript"
	"github.com/jacques-sh/jacques/internal/ws"
)

// ErrListenerStartup wraps a TCP listener that could not bind at startup.
var ErrListenerStartup = errors.New("listener startup failed")

// defaultContextWindow is assumed when a session's window size is not yet
// known from a context_update event.
const defaultContextWindow = 200_000

const shutdownTimeout = 5 * time.Second

// Daemon owns every long-lived component and the wiring between them.
// There are no package-level singletons; everything hangs off this value.
type Daemon struct {
	cfg *config.Config

	registry    *session.Registry
	broadcaster *ws.Broadcaster
	pipeline    *events.Pipeline
	transcripts *transcript.Manager
	focusWatch  *focus.Watcher
	activator   *focus.Activator
	extractor   *catalog.Extractor

	listener   *ingress.Listener
	wsServer   *ws.Server
	httpServer *httpapi.Server

	jacquesDir   string
	settingsPath string

	tee *logTee
}

func New(cfg *config.Config) *Daemon {
	d := &Daemon{
		cfg:          cfg,
		registry:     session.NewRegistry(),
		jacquesDir:   filepath.Dir(cfg.Server.PIDFile),
		settingsPath: filepath.Join(cfg.Catalog.ClaudeDir, "settings.json"),
		activator:    focus.NewActivator(),
	}

	d.broadcaster = ws.NewBroadcaster(d.registry, cfg.Monitor.BroadcastThrottle)
	d.extractor = catalog.NewExtractor(cfg.Catalog.ClaudeDir, d.jacquesDir, cfg.Catalog.JaccardThreshold, d)

	d.pipeline = events.NewPipeline(d.registry, d.broadcaster)
	d.transcripts = transcript.NewManager(cfg.Monitor.WatchDebounce, d.onTranscriptUpdate, d.onHandoffReady)
	d.pipeline.SetTranscriptArmer(d.transcripts)
	d.focusWatch = focus.NewWatcher(d.registry, d.broadcaster, cfg.Monitor.FocusPollInterval, nil)
	d.pipeline.SetFocusNotifier(d.focusWatch)

	d.listener = ingress.NewListener(cfg.Server.SocketPath, d.pipeline)
	d.wsServer = ws.NewServer(d.broadcaster, d)
	d.httpServer = httpapi.NewServer(d.registry, d.extractor, d.jacquesDir, d.broadcaster)
	return d
}

// Run starts everything in dependency order (pid file, ingress socket,
// HTTP, websocket, boot scan) and blocks until the context is cancelled
// or a listener fails. Shutdown is cooperative and bounded.
func (d *Daemon) Run(ctx context.Context) error {
	if err := writePIDFile(d.cfg.Server.PIDFile); err != nil {
		return err
	}
	defer removePIDFile(d.cfg.Server.PIDFile)

	d.tee = newLogTee(log.Writer(), d.broadcaster)
	log.SetOutput(d.tee)
	defer func() {
		log.SetOutput(d.tee.out)
		d.tee.stop()
	}()

	if err := d.listener.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		if err := d.httpServer.ListenAndServe(d.cfg.Server.Host, d.cfg.Server.HTTPPort); err != nil {
			errCh <- fmt.Errorf("%w: http port %d: %v", ErrListenerStartup, d.cfg.Server.HTTPPort, err)
		}
	}()
	go func() {
		if err := d.wsServer.ListenAndServe(d.cfg.Server.Host, d.cfg.Server.WSPort); err != nil {
			errCh <- fmt.Errorf("%w: websocket port %d: %v", ErrListenerStartup, d.cfg.Server.WSPort, err)
		}
	}()

	d.registry.StartCleanup(d.cfg.Monitor.MaxIdle, d.cfg.Monitor.CleanupInterval, func(s *session.Session) {
		d.transcripts.Stop(s.ID)
		d.broadcaster.BroadcastSessionRemovedWithFocus(s.ID)
	})
	d.focusWatch.Start()
	d.bootScan()
	log.Printf("[daemon] ready: ws :%d, http :%d, socket %s",
		d.cfg.Server.WSPort, d.cfg.Server.HTTPPort, d.cfg.Server.SocketPath)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	d.shutdown()
	return runErr
}

// bootScan recovers sessions from already-running assistant processes.
// Runs once, synchronously, after all listeners are up.
func (d *Daemon) bootScan() {
	sc := scanner.New(d.cfg.Catalog.ClaudeDir)
	for _, disc := range sc.Scan() {
		s, ok := d.registry.RegisterDiscoveredSession(disc)
		if !ok {
			continue
		}
		log.Printf("[daemon] recovered session %s (%s)", s.ID, s.TerminalKey)
		if s.TranscriptPath != "" {
			d.transcripts.Arm(s.ID, s.TranscriptPath)
		}
		d.broadcaster.BroadcastSessionWithFocus(s)
	}
}

// onTranscriptUpdate folds re-parsed transcript stats back into the
// session as estimated context metrics.
func (d *Daemon) onTranscriptUpdate(sessionID string, stats transcript.Stats) {
	s, ok := d.registry.Get(sessionID)
	if !ok {
		return
	}
	window := defaultContextWindow
	if s.Context != nil && s.Context.WindowSize > 0 {
		window = s.Context.WindowSize
	}
	total := stats.TotalInputTokens()
	used := float64(total) / float64(window) * 100
	if used > 100 {
		used = 100
	}

	var model *session.ModelInfo
	if stats.LastModel != "" {
		model = &session.ModelInfo{ID: stats.LastModel}
	}
	// Background refresh: merge without moving focus, broadcast without a
	// focus_changed message.
	updated, ok := d.registry.MergeContext(session.ContextInput{
		ID:        sessionID,
		Timestamp: stats.LastTimestamp.UnixMilli(),
		Metrics: session.ContextMetrics{
			UsedPercentage:      used,
			RemainingPercentage: 100 - used,
			WindowSize:          window,
			TotalInputTokens:    total,
			TotalOutputTokens:   stats.OutputTokens,
			IsEstimate:          true,
		},
		Model: model,
	})
	if !ok {
		return
	}
	d.broadcaster.BroadcastSessionUpdate(updated)
}

func (d *Daemon) onHandoffReady(sessionID, path string) {
	log.Printf("[daemon] handoff document ready for session %s", sessionID)
	d.broadcaster.Broadcast(ws.HandoffReady{
		Type:      ws.MsgHandoffReady,
		SessionID: sessionID,
		Path:      path,
	})
}

// shutdown stops components in reverse dependency order: producers first
// (sweeper, focus poll, transcript watchers), then the client-facing
// surfaces, then the ingress socket.
func (d *Daemon) shutdown() {
	log.Printf("[daemon] shutting down")
	d.registry.StopCleanup()
	d.focusWatch.Stop()
	d.transcripts.StopAll()
	d.broadcaster.CloseAll()
	d.listener.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.httpServer.Shutdown(ctx); err != nil {
		log.Printf("[daemon] http shutdown: %v", err)
	}
	if err := d.wsServer.Shutdown(ctx); err != nil {
		log.Printf("[daemon] websocket shutdown: %v", err)
	}
}
