package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rivet-studio/loom/internal/dashboard"
	"github.com/rivet-studio/loom/internal/dispatch"
	"github.com/rivet-studio/loom/internal/engine"
	"github.com/rivet-studio/loom/internal/logging"
	"github.com/rivet-studio/loom/internal/queue"
	"github.com/rivet-studio/loom/internal/recovery"
	"github.com/rivet-studio/loom/internal/store"
	"github.com/rivet-studio/loom/internal/streaming"
	"github.com/rivet-studio/loom/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	events := store.NewEventLog(st)
	registry := dispatch.DefaultRegistry()
	broker := queue.NewMemoryBroker(queue.Options{
		Concurrency:  cfg.QueueConcurrency,
		LeaseTimeout: time.Duration(cfg.LeaseTimeoutSec) * time.Second,
	}, logger)
	if cfg.LocalProviders {
		registerLocalProviders(broker, registry, logger)
	}

	hub := streaming.NewMemoryHub()
	eng, err := engine.New(st, events, broker, registry, hub, logger, engine.Options{PoolSize: cfg.PoolSize})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Shutdown()

	if err := broker.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	defer broker.Stop(context.Background())

	recoverer := recovery.NewRecoverer(st, events, registry, eng, logger)
	sweeper, err := recovery.NewSweeper(recoverer, cfg.SweepCron, logger)
	if err != nil {
		return fmt.Errorf("build sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	// Repair whatever the previous process left behind before taking traffic.
	if report, recErr := recoverer.RecoverStalledJobs(ctx); recErr != nil {
		logger.Warn("startup recovery failed", "error", recErr)
	} else if report.Requeued > 0 || report.DeadLettered > 0 {
		logger.Info("startup recovery", "requeued", report.Requeued, "dead_lettered", report.DeadLettered)
	}

	if cfg.MCP {
		mcpSrv := mcp.NewLoomServer(mcp.LoomServerDeps{
			Engine:    eng,
			Store:     st,
			Recoverer: recoverer,
			Hub:       hub,
			Logger:    logger,
		})
		if err := mcpSrv.StartEventBridge(ctx); err != nil {
			return fmt.Errorf("start MCP event bridge: %w", err)
		}
		go func() {
			if serveErr := mcpSrv.Serve(ctx); serveErr != nil && !errors.Is(serveErr, context.Canceled) {
				logger.Error("MCP server stopped", "error", serveErr)
			}
		}()
		logger.Info("MCP server listening on stdio")
	}

	dash := dashboard.NewServer(dashboard.Deps{
		Store:     st,
		Engine:    eng,
		Recoverer: recoverer,
		Hub:       hub,
		Logger:    logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           dash.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("loom listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		if serveErr := httpSrv.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
