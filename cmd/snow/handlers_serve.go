package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snowcoder/snow/internal/agent"
	"github.com/snowcoder/snow/internal/config"
	"github.com/snowcoder/snow/internal/observability"
	"github.com/snowcoder/snow/internal/scheduler"
	"github.com/snowcoder/snow/internal/server"
	"github.com/snowcoder/snow/internal/session"
	"github.com/snowcoder/snow/internal/usage"
)

const defaultShutdownTimeout = 10 * time.Second

// loadEnvironment resolves the data layout for the working directory
// and loads the main config, falling back to defaults when none exists.
func loadEnvironment() (*config.Paths, *config.Config, error) {
	paths, err := config.NewPaths(workDir)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadDefault(paths)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return paths, cfg, nil
}

func runServe(cmd *cobra.Command, port int, yolo bool) error {
	paths, cfg, err := loadEnvironment()
	if err != nil {
		return err
	}
	if err := paths.EnsureHome(); err != nil {
		return err
	}
	if !cmd.Root().PersistentFlags().Changed("log-level") {
		if err := configureLogging(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return err
		}
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if yolo {
		cfg.YOLO = true
	}

	slog.Info("starting snow engine",
		"version", version,
		"workdir", paths.WorkDir,
		"project", paths.ProjectID(),
	)
	if !cfg.Configured() {
		slog.Warn("snowcfg is empty, provider calls will fail", "config", paths.ConfigFile())
	}

	tracer, stopTracing := observability.NewTracer(cfg.Tracing)

	ledger, err := usage.Open(paths.UsageDB(), slog.Default())
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer ledger.Close()

	eng, err := agent.New(agent.Options{
		Config: cfg,
		Paths:  paths,
		Logger: slog.Default(),
		Tracer: tracer,
		Usage:  ledger,
		ESC:    scheduler.NewESCMonitor(os.Stdin, slog.Default()),
	})
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	defer eng.Close()

	srv, err := server.New(server.Options{Engine: eng, Config: cfg, Logger: slog.Default()})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	janitor, err := session.NewJanitor(eng.Store(), eng.Snapshots(), cfg.Sessions, slog.Default())
	if err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	janitor.Start()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watchDirs := []string{paths.Home, filepath.Join(paths.WorkDir, ".snow")}
	watcher, err := config.NewWatcher(watchDirs, slog.Default(), func(path string) {
		slog.Info("config changed, refreshing tool catalog", "path", path)
		eng.Registry().Invalidate()
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		go watcher.Run(ctx)
		defer watcher.Close()
	}

	slog.Info("snow engine ready", "addr", srv.Addr())

	<-ctx.Done()
	slog.Info("shutdown signal received")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if !eng.WaitForSpawnedAgents(shutdownCtx, timeout) {
		slog.Warn("spawned agents still running at shutdown")
	}
	janitor.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := stopTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}

	slog.Info("snow engine stopped")
	return nil
}
