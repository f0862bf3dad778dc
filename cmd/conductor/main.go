package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fenwick-ops/conductor/internal/config"
	"github.com/fenwick-ops/conductor/internal/container"
	"github.com/fenwick-ops/conductor/internal/eventbus"
	"github.com/fenwick-ops/conductor/internal/health"
	"github.com/fenwick-ops/conductor/internal/lifecycle"
	"github.com/fenwick-ops/conductor/internal/natsbus"
	"github.com/fenwick-ops/conductor/internal/pool"
	"github.com/fenwick-ops/conductor/internal/registry"
	"github.com/fenwick-ops/conductor/internal/scheduler"
	"github.com/fenwick-ops/conductor/internal/store"
	"github.com/fenwick-ops/conductor/internal/workflow"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("conductor %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: conductor <command>\n\nCommands:\n  gateway    Start the conductor runtime\n  backup     Snapshot the registry to a tar+zstd archive\n  restore    Restore the registry from a tar+zstd archive\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting conductor runtime", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store, backing the Registry's namespace-partitioned records
	// and the Scheduler's trigger table.
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Event Bus (§4.1): synchronous in-process pub/sub every other
	// component talks through instead of calling one another directly.
	bus := eventbus.New(nil)

	// Registry (§4.2), cache-fronted over the store.
	reg := registry.New(db, bus, 0)

	// Embedded NATS, the wire transport between this process and spawned
	// agent processes.
	nb, err := natsbus.NewWithLogger(cfg.NATS, slog.Default())
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer nb.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	natsConn, err := nb.Connect()
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer natsConn.Close()

	bridge := natsbus.NewBridge(natsConn, bus, nil)

	// Process Supervisor (§4.3).
	supervisor, err := container.NewManager(bus, cfg.Supervisor)
	if err != nil {
		return fmt.Errorf("init process supervisor: %w", err)
	}

	// Health Monitor (§4.4). No ResourceSampler is wired yet; the
	// Resource dimension defaults to 1.0 until one is.
	healthCfg := health.Config{
		HeartbeatCheckInterval: cfg.Health.HeartbeatCheckInterval,
		HealthCheckInterval:    cfg.Health.HealthCheckInterval,
		BaselineExecutionMs:    cfg.Health.BaselineExecutionMs,
	}
	healthMon := health.New(reg, bus, healthCfg, nil, nil)
	healthMon.Start(ctx)
	slog.Info("health monitor started")

	// Agent Lifecycle Manager (§4.5).
	lc := lifecycle.New(reg, supervisor, bridge, bus, cfg.Lifecycle, nb.ClientURL(), nil)

	// Pool Controller (§4.6).
	poolCtl := pool.New(reg, lc, bus, cfg.Pool, 0, nil)
	go poolCtl.StartMaintenance(ctx)
	slog.Info("pool controller started")

	// Task/Workflow Engine (§4.7).
	engine := workflow.New(reg, bus, cfg.Workflow, nil)

	// Scheduler: cron/interval/once triggers that run named workflow
	// documents through the engine.
	sched := scheduler.New(db, engine, bus, cfg.Scheduler, nil)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	// Cleanup: stop every supervised agent process before exit.
	supervisor.StopAll(context.Background(), cfg.Lifecycle.StopTimeout)
	return nil
}
