package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ubershmekel/jenkins/internal/auth"
	"github.com/ubershmekel/jenkins/internal/eventstore"
	"github.com/ubershmekel/jenkins/internal/metrics"
	"github.com/ubershmekel/jenkins/internal/orchestrator"
	"github.com/ubershmekel/jenkins/internal/registry"
	"github.com/ubershmekel/jenkins/internal/server"
	"github.com/ubershmekel/jenkins/internal/state"
)

// runServe assembles and runs the controller until SIGINT/SIGTERM.
func runServe(configPath string) error {
	cfg, err := state.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Home, 0o750); err != nil {
		return fmt.Errorf("create home directory: %w", err)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	events, err := eventstore.Open(cfg.EventsDBPath())
	if err != nil {
		return err
	}
	defer events.Close()

	reg := registry.New(registry.Options{
		JobsRoot:          cfg.JobsDir(),
		WorkspacesRoot:    cfg.WorkspacesDir(),
		DefaultBuildsRoot: cfg.BuildsRoot,
		Scheduler:         scheduler,
	})

	gate := auth.NewReloadable(gateFrom(cfg.Auth))

	var orch *orchestrator.Orchestrator
	rec := metrics.New(func() int {
		if orch == nil {
			return 0
		}
		return orch.QueueDepth()
	})
	orch = orchestrator.New(reg, orchestrator.Options{
		Workers:       cfg.Workers,
		MaxQuietDelay: cfg.MaxQuietDelay.Std(),
		Gate:          gate,
		Events:        events,
		Metrics:       rec,
	})

	// Triggers registered during load schedule through the orchestrator, so
	// jobs load only after the queue wiring above.
	if err := reg.LoadAll(); err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	scheduler.Start()
	defer func() { _ = scheduler.Shutdown() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config changes swap the auth rules in place; everything else applies on
	// the next restart.
	watcher, err := state.NewWatcher(configPath, func() {
		reloaded, err := state.LoadServerConfig(configPath)
		if err != nil {
			slog.Error("Config reload failed", "error", err)
			return
		}
		gate.Swap(gateFrom(reloaded.Auth))
		slog.Info("Auth rules reloaded", "rules", len(reloaded.Auth))
	})
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Start(ctx); err != nil {
		slog.Warn("Config watching unavailable", "error", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(reg, orch, events, rec).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		slog.Info("Controller listening", "addr", cfg.Listen, "home", cfg.Home, "workers", cfg.Workers)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()
	go func() {
		select {
		case err := <-httpErr:
			slog.Error("HTTP server failed", "error", err)
			stop()
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}
	}()

	// Blocks until shutdown; in-flight builds end as ABORTED.
	orch.Run(ctx)
	slog.Info("Controller stopped")
	return nil
}

func gateFrom(rules []state.AuthRule) auth.Gate {
	if len(rules) == 0 {
		return auth.AllowAll{}
	}
	return auth.NewRuleGate(rules)
}
