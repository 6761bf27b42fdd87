// Command fleetd is the long-running daemon process: it hosts the PTY
// Daemon, Evidence Ledger, Team Memory Runtime, Transition Ledger,
// Delivery Engine, Background Worker Manager, Broker, and trigger-file
// watcher as goroutines of one OS process (spec §0, §9 "process-wide
// services with lifecycle rules").
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentfleet/fleet/internal/bgworker"
	"github.com/agentfleet/fleet/internal/broker"
	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/delivery"
	"github.com/agentfleet/fleet/internal/ledger"
	"github.com/agentfleet/fleet/internal/ptyd"
	"github.com/agentfleet/fleet/internal/teammemory"
	"github.com/agentfleet/fleet/internal/transition"
	"github.com/agentfleet/fleet/internal/triggerwatch"
	"github.com/agentfleet/fleet/internal/types"
)

func main() {
	var (
		root       string
		listenAddr string
	)
	flag.StringVar(&root, "root", "", "workspace root (defaults to cwd)")
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:7337", "broker websocket listen address")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := run(root, listenAddr); err != nil {
		slog.Error("fleetd exiting", "error", err)
		os.Exit(1)
	}
}

// triggerFallback adapts triggerwatch.WriteTrigger to delivery.FallbackWriter.
type triggerFallback struct{ ws core.Workspace }

func (f triggerFallback) WriteTrigger(targetRole string, envelope types.Envelope) error {
	return triggerwatch.WriteTrigger(f.ws, targetRole, envelope)
}

// engineSink adapts the Delivery Engine to triggerwatch.Sink: a message
// picked up off a trigger file is handed straight to the target pane,
// bypassing gates (it already survived a fallback path once).
type engineSink struct{ engine *delivery.Engine }

func (s engineSink) Deliver(envelope types.Envelope) {
	ack := s.engine.Send(context.Background(), envelope, true)
	if ack.Outcome.IsDropped() {
		slog.Warn("trigger-file delivery dropped", "messageId", envelope.MessageID, "outcome", ack.Outcome, "reason", ack.Reason)
	}
}

func run(root, listenAddr string) error {
	ws, err := core.DiscoverWorkspace(root)
	if err != nil {
		return fmt.Errorf("discover workspace: %w", err)
	}

	config, err := core.NewConfigStore(ws.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	evidence, err := ledger.Open(ws.EvidenceLedgerPath(), ws.EvidenceLedgerSpoolPath(), ledger.DefaultRetentionPolicy())
	if err != nil {
		return fmt.Errorf("open evidence ledger: %w", err)
	}
	defer evidence.Close()

	memory, err := teammemory.Open(ws.TeamMemoryPath(), ws.TeamMemorySpoolPath(), evidence)
	if err != nil {
		return fmt.Errorf("open team memory: %w", err)
	}
	defer memory.Close()

	trans := transition.New(4096)

	daemon := ptyd.New(ptyd.DefaultHealthPolicy(), nil)
	defer daemon.Stop()

	socketServer, err := ptyd.NewServer(daemon, ws.ControlSocketPath())
	if err != nil {
		return fmt.Errorf("bind control socket: %w", err)
	}
	go func() {
		if err := socketServer.Serve(); err != nil {
			slog.Warn("control socket server stopped", "error", err)
		}
	}()
	defer socketServer.Close()

	miner := teammemory.NewPatternMiner(memory, 0)
	go miner.Run()
	defer miner.Stop()

	bg := bgworker.New(daemon, config)
	go bg.RunReapLoop()
	defer bg.Stop()

	hub := broker.New(daemon, ws, config.Get().CommsSecret)
	hub.SetBackgroundWorkerController(bg)

	engine := delivery.New(daemon, evidence, trans, config, triggerFallback{ws: ws})
	hub.SetDeliver(func(ctx context.Context, envelope types.Envelope) types.Ack {
		return engine.Send(ctx, envelope, false)
	})

	watcher, err := triggerwatch.New(ws, engineSink{engine: engine})
	if err != nil {
		return fmt.Errorf("start trigger watcher: %w", err)
	}
	go func() {
		if err := watcher.Run(); err != nil {
			slog.Warn("trigger watcher stopped", "error", err)
		}
	}()
	defer watcher.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeHTTP)
	server := &http.Server{Addr: listenAddr, Handler: mux}
	go hub.Run()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("broker listener stopped", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go handleReload(config)

	slog.Info("fleetd started", "root", ws.Root, "listen", listenAddr)
	<-ctx.Done()
	slog.Info("fleetd shutting down")
	_ = server.Shutdown(context.Background())
	return nil
}

func handleReload(config *core.ConfigStore) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	for range sig {
		if err := config.Reload(); err != nil {
			slog.Error("config reload failed", "error", err)
			continue
		}
		slog.Info("config reloaded")
	}
}
