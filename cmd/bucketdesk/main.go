// Package main is the entry point for the BucketDesk server.
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
	"time"

	"github.com/bucketdesk/bucketdesk/internal/compress"
	"github.com/bucketdesk/bucketdesk/internal/config"
	"github.com/bucketdesk/bucketdesk/internal/history"
	"github.com/bucketdesk/bucketdesk/internal/logging"
	"github.com/bucketdesk/bucketdesk/internal/metrics"
	"github.com/bucketdesk/bucketdesk/internal/server"
	"github.com/bucketdesk/bucketdesk/internal/storage"
	"github.com/bucketdesk/bucketdesk/internal/transfer"
)

func main() {
	configPath := flag.String("config", "bucketdesk.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9300)")
	host := flag.String("host", "", "override listening host (default: from config or 127.0.0.1)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxConcurrent := flag.Int("max-concurrent", 0, "override transfer.max_concurrent")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxConcurrent != 0 {
		cfg.Transfer.MaxConcurrent = *maxConcurrent
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	hist, err := history.Open(ctx, cfg.History)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer hist.Close()
	slog.Info("History store initialized", "engine", cfg.History.Engine)

	opts := storage.Options{
		ConnectTimeout: cfg.Transfer.ConnectTimeout.Std(),
		CallTimeout:    cfg.Transfer.CallTimeout.Std(),
		Logger:         slog.Default(),
	}
	if cfg.Transfer.JournalPath != "" {
		journal, err := storage.NewSQLiteJournal(cfg.Transfer.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open relocation journal: %w", err)
		}
		defer journal.Close()
		opts.Journal = journal
		slog.Info("Relocation journal opened", "path", cfg.Transfer.JournalPath)
	}
	adapter := storage.NewAdapter(nil, opts)
	defer func() {
		if err := storage.FlushMemoryBackends(); err != nil {
			slog.Warn("Failed to snapshot memory backends", "error", err)
		}
	}()

	transfers, err := newOrchestrator(cfg, adapter, hist)
	if err != nil {
		return err
	}
	srv, err := server.New(cfg,
		server.WithAdapter(adapter),
		server.WithHistory(hist),
		server.WithOrchestrator(transfers),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("BucketDesk listening", "addr", addr, "profiles", cfg.ProfileNames())
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		// Running transfers get the same grace period as in-flight requests.
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")
		return nil

	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

func newOrchestrator(cfg *config.Config, adapter *storage.Adapter, hist history.Store) (*transfer.Orchestrator, error) {
	presets, err := compress.NewRegistry(cfg.Presets...)
	if err != nil {
		return nil, fmt.Errorf("invalid presets: %w", err)
	}
	return transfer.New(adapter, transfer.Options{
		MaxConcurrent:   cfg.Transfer.MaxConcurrent,
		Workers:         cfg.Transfer.Workers,
		CompressWorkers: cfg.Transfer.CompressWorkers,
		CallTimeout:     cfg.Transfer.CallTimeout.Std(),
		Retention:       cfg.Transfer.Retention.Std(),
		Presets:         presets,
		History:         hist,
		Logger:          slog.Default(),
	}), nil
}
