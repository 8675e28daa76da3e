package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacques-sh/jacques/internal/config"
	"github.com/jacques-sh/jacques/internal/daemon"
	"github.com/jacques-sh/jacques/internal/ingress"
)

// Exit codes. Each startup failure class gets its own so supervisors can
// tell "already running" from "port taken".
const (
	exitGeneric      = 1
	exitPIDFileHeld  = 2
	exitSocketBusy   = 3
	exitListenerBusy = 4
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	wsPort := flag.Int("ws-port", 0, "Override websocket port")
	httpPort := flag.Int("http-port", 0, "Override HTTP port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *wsPort > 0 {
		cfg.Server.WSPort = *wsPort
	}
	if *httpPort > 0 {
		cfg.Server.HTTPPort = *httpPort
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d := daemon.New(cfg)
	if err := d.Run(ctx); err != nil {
		log.Printf("Daemon error: %v", err)
		switch {
		case errors.Is(err, daemon.ErrPIDFileHeld):
			os.Exit(exitPIDFileHeld)
		case errors.Is(err, ingress.ErrSocketBusy):
			os.Exit(exitSocketBusy)
		case errors.Is(err, daemon.ErrListenerStartup):
			os.Exit(exitListenerBusy)
		default:
			os.Exit(exitGeneric)
		}
	}
}
