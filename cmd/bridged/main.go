// Command bridged is the bridge daemon entry point: it loads the static
// configuration, wires the connection manager, queue store, router, and
// event ring together, then runs the unix socket stream listener
// alongside the HTTP control plane until a shutdown signal arrives. The
// overall config-source-resolution-then-wait-for-signal shape follows
// cellorg/cmd/orchestrator/main.go; the dual-listener coordination uses
// golang.org/x/sync/errgroup in place of that orchestrator's hand-rolled
// sync.WaitGroup, since here both listeners must also share one
// cancellation point.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tenzoki/bridged/internal/broker"
	"github.com/tenzoki/bridged/internal/config"
	"github.com/tenzoki/bridged/internal/configwatch"
	"github.com/tenzoki/bridged/internal/connmgr"
	"github.com/tenzoki/bridged/internal/events"
	"github.com/tenzoki/bridged/internal/httpapi"
	"github.com/tenzoki/bridged/internal/queue"
	"github.com/tenzoki/bridged/internal/stream"
)

const shutdownGrace = 1500 * time.Millisecond

func main() {
	var configPath string
	if len(os.Args) >= 2 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("bridged: failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.RuntimeDir(), 0o750); err != nil {
		log.Fatalf("bridged: failed to create runtime directory %s: %v", cfg.RuntimeDir(), err)
	}

	ring, err := events.New(events.DefaultCapacity, cfg.LogFile, false)
	if err != nil {
		log.Fatalf("bridged: failed to open event log %s: %v", cfg.LogFile, err)
	}
	defer ring.Close()

	reg := cfg.BuildRegistry()
	conns := connmgr.New()
	router := broker.New(conns, queue.New(cfg.QueueLimit), ring)

	mode, err := config.ParseSocketMode(cfg.SocketMode)
	if err != nil {
		log.Fatalf("bridged: invalid socketMode %q: %v", cfg.SocketMode, err)
	}

	listener, err := stream.New(stream.Config{
		SocketPath:    cfg.SocketPath,
		SocketMode:    mode,
		MaxFrameBytes: cfg.MaxFrameBytes,
		Registry:      reg,
		Conns:         conns,
		Router:        router,
		Ring:          ring,
	})
	if err != nil {
		log.Fatalf("bridged: failed to start stream listener: %v", err)
	}

	httpServer := httpapi.New(cfg, reg, router, ring)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := configwatch.New(config.ResolvePath(configPath), ring)
	if err != nil {
		ring.Warn("configwatch_unavailable", "config staleness watcher could not start", map[string]any{"error": err.Error()})
	} else {
		go watcher.Run(ctx)
		defer watcher.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Serve()
	})
	g.Go(func() error {
		return httpServer.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		listener.Close()
		httpServer.Shutdown()
		return nil
	})

	ring.Info("daemon_started", "bridge daemon started", map[string]any{
		"socket": cfg.SocketPath, "http": httpServer.Addr(),
	})
	log.Printf("bridged: listening on unix socket %s and http %s", cfg.SocketPath, httpServer.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		ring.Info("shutdown_signal", "received shutdown signal", map[string]any{"signal": sig.String()})
	case <-gctx.Done():
		ring.Warn("listener_failed", "a listener exited unexpectedly", nil)
	}

	cancel()

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
		ring.Info("shutdown_complete", "bridge daemon stopped cleanly", nil)
	case <-time.After(shutdownGrace):
		ring.Warn("shutdown_timeout", "shutdown grace period exceeded", nil)
	}
}
