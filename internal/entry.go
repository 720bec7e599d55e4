// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/nbfolio/internal/ledger"
	"github.com/starford/nbfolio/internal/mcpserver"
	"github.com/starford/nbfolio/internal/pipeline"
	"github.com/starford/nbfolio/internal/preview"
	"github.com/starford/nbfolio/internal/sse"
	"github.com/starford/nbfolio/internal/storage"
)

// Version is reported by the CLI and the MCP server.
var Version = "dev"

// App holds the components shared by every command.
type App struct {
	Config   *Config
	Logger   *slog.Logger
	Pipeline *pipeline.Pipeline

	dirs   mcpserver.Dirs
	ledger *ledger.DB
}

// NewLogger builds the structured logger described by cfg.
func NewLogger(cfg ApplicationConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// New wires storage, the ledger and the pipeline from the given options.
// Call Close when done.
func New(opts ...Option) (*App, error) {
	app := &application{logOutput: os.Stderr}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := NewLogger(cfg.App, app.logOutput)
	slog.SetDefault(logger)

	dirs := mcpserver.Dirs{
		Source:    cfg.Paths.SourceDir,
		Processed: firstNonEmpty(app.processedDir, cfg.Paths.ProcessedDir),
		Plots:     firstNonEmpty(app.plotsDir, cfg.Paths.PlotsDir),
	}
	ledgerPath := cfg.Ledger.Path
	if app.noLedger {
		ledgerPath = ""
	}

	logger.Debug("Configuration loaded",
		slog.String("source_dir", dirs.Source),
		slog.String("processed_dir", dirs.Processed),
		slog.String("plots_dir", dirs.Plots),
		slog.String("ledger_path", ledgerPath),
		slog.String("log_level", cfg.App.LogLevel.String()))

	source, err := storage.Open(dirs.Source)
	if err != nil {
		return nil, fmt.Errorf("init source dir: %w", err)
	}
	processed, err := storage.Open(dirs.Processed)
	if err != nil {
		return nil, fmt.Errorf("init processed dir: %w", err)
	}
	plots, err := storage.Open(dirs.Plots)
	if err != nil {
		return nil, fmt.Errorf("init plots dir: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, dirs: dirs}

	// A nil *ledger.DB must not reach the pipeline as a non-nil interface.
	var lg ledger.Ledger
	if ledgerPath != "" {
		if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		db, err := ledger.Open(ledgerPath)
		if err != nil {
			return nil, fmt.Errorf("init ledger: %w", err)
		}
		a.ledger = db
		lg = db
	}

	a.Pipeline = pipeline.New(source, processed, plots, lg, cfg.PipelineOptions(), logger)
	return a, nil
}

// Close releases the ledger.
func (a *App) Close() error {
	if a.ledger == nil {
		return nil
	}
	return a.ledger.Close()
}

// Watch converts notebooks as they change until ctx is cancelled or a
// shutdown signal arrives.
func (a *App) Watch(ctx context.Context) error {
	if _, err := a.Pipeline.Sync(ctx, false); err != nil {
		a.Logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	g, gCtx := errgroup.WithContext(ctx)
	wctx, cancel := context.WithCancel(gCtx)

	g.Go(func() error {
		return a.Pipeline.Watch(wctx, nil)
	})
	g.Go(func() error {
		defer cancel()
		waitForShutdown(wctx, a.Logger)
		return nil
	})

	return g.Wait()
}

// Preview serves the outputs over HTTP with live reload while watching the
// source directory, until ctx is cancelled or a shutdown signal arrives.
func (a *App) Preview(ctx context.Context) error {
	cfg := a.Config

	// Run initial sync.
	if _, err := a.Pipeline.Sync(ctx, false); err != nil {
		a.Logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	// SSE broker.
	broker := sse.NewBroker(cfg.Preview.ReloadThrottle)
	defer broker.Close()

	router := preview.NewRouter(a.Pipeline, broker, preview.Dirs{
		Processed: a.dirs.Processed,
		Plots:     a.dirs.Plots,
	}, a.Logger)

	httpServer := &http.Server{
		Addr:              cfg.Preview.HTTP.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	wctx, cancel := context.WithCancel(gCtx)

	// Start file watcher with SSE callback.
	g.Go(func() error {
		return a.Pipeline.Watch(wctx, broker.Notify)
	})

	// Start HTTP server.
	g.Go(func() error {
		a.Logger.Info("Starting preview server", slog.String("address", "http://localhost"+cfg.Preview.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel()
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		defer cancel()
		waitForShutdown(wctx, a.Logger)

		a.Logger.Info("Shutting down preview server...")

		// Open event streams never finish on their own.
		broker.Close()

		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		a.Logger.Error("Preview error", slog.String("error", err.Error()))
		return err
	}

	a.Logger.Info("Preview stopped")
	return nil
}

// ServeMCP runs the MCP server on stdin/stdout until stdin closes.
func (a *App) ServeMCP() error {
	return mcpserver.New(a.Pipeline, a.dirs, Version).ServeStdio()
}

// waitForShutdown blocks until SIGINT/SIGTERM or ctx is done.
func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
