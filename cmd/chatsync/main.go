package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kakoai/chatsync/internal/chat"
	"github.com/kakoai/chatsync/internal/chat/remotestore"
	"github.com/kakoai/chatsync/internal/config"
	"github.com/kakoai/chatsync/internal/draft"
	"github.com/kakoai/chatsync/internal/httpapi"
	"github.com/kakoai/chatsync/internal/metrics"
	"github.com/kakoai/chatsync/internal/retry"
	"github.com/kakoai/chatsync/internal/runtime"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("chatsync %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `chatsync

Usage:
  chatsync run [flags]
  chatsync version

Commands:
  run         Serve the conversation sync gateway using the local config file.
  version     Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("chatsync exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	remote, err := remotestore.Open(cfg.ThreadsDBPath())
	if err != nil {
		return fmt.Errorf("open thread store: %w", err)
	}
	defer func() { _ = remote.Close() }()

	drafts, err := draft.NewRegistry(cfg.DraftsPath(), logger)
	if err != nil {
		return fmt.Errorf("open draft registry: %w", err)
	}
	defer func() { _ = drafts.Close() }()

	agg, err := metrics.NewAggregator(cfg.MetricsPath(), logger)
	if err != nil {
		return fmt.Errorf("open metrics: %w", err)
	}
	defer func() { _ = agg.Close() }()

	store, err := chat.NewStore(chat.Options{
		Remote: remote,
		Drafts: drafts,
		Logger: logger,
		Retry: retry.Options{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay(),
		},
	})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	defer func() { _ = store.Close() }()

	backend, err := runtime.NewBackend(runtime.BackendOptions{
		BaseURL: cfg.BackendBaseURL,
		Logger:  logger,
		Renamer: store,
	})
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}

	api, err := httpapi.New(httpapi.Options{
		Store:     store,
		Drafts:    drafts,
		Metrics:   agg,
		Runtime:   backend,
		Logger:    logger,
		RateRPS:   cfg.RateLimit.RPS,
		RateBurst: cfg.RateLimit.Burst,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chatsync listening", "addr", cfg.ListenAddr, "backend", cfg.BackendBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	return nil
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.TrimSpace(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.TrimSpace(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
