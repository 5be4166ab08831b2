// Package main runs modwatch, a service that watches posts, comments and
// users on a content platform and notifies when moderators remove, approve,
// lock or unlock them.
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

	gcs "cloud.google.com/go/storage"

	"modwatch/config"
	"modwatch/notify"
	"modwatch/poll"
	"modwatch/scraper"
	"modwatch/server"
	"modwatch/storage"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	syncArea, localArea, closeBackends, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackends()

	store := storage.New(syncArea, localArea, logger)
	defaults, err := config.LoadOptions(cfg.OptionsFile)
	if err != nil {
		return err
	}
	if err := store.Init(ctx, defaults); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(provider, cfg.NotifyTo, cfg.BaseURL, logger)
	defer dispatcher.Wait()

	var auth scraper.Authorizer
	if cfg.RedditToken != "" {
		auth = scraper.BearerToken(cfg.RedditToken)
	}
	fetcher := scraper.New(&http.Client{Timeout: 30 * time.Second}, scraper.Config{
		Auth:      auth,
		UserAgent: cfg.UserAgent,
	}, logger)

	monitor := poll.New(fetcher, store, dispatcher, logger)
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	opts, err := store.Options(ctx)
	if err != nil {
		return err
	}
	scheduler := poll.NewScheduler(monitor, cfg.CycleTimeout, logger)
	if err := scheduler.Reschedule(opts.Interval); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(&server.Config{
		Monitor:   monitor,
		Scheduler: scheduler,
		Logger:    logger,
	}).HTTPServer(cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Port, "storage", cfg.Storage, "notify", cfg.Notify)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", "error", err)
	}
	return nil
}

// openBackends returns the sync and local areas for the configured backend
// and a function that releases them.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (syncArea, localArea storage.Backend, closeFn func(), err error) {
	switch cfg.Storage {
	case "memory":
		logger.Info("Using in-memory storage; state is lost on exit", "quota", cfg.MemoryQuota)
		return storage.NewMemory(cfg.MemoryQuota), storage.NewMemory(cfg.MemoryQuota), func() {}, nil

	case "local":
		syncFile, err := storage.NewFile(cfg.DataDir, storage.AreaSync, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		localFile, err := storage.NewFile(cfg.DataDir, storage.AreaLocal, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("Using local file storage", "dir", cfg.DataDir)
		return syncFile, localFile, func() {}, nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
			return nil, nil, nil, fmt.Errorf("create database directory: %w", err)
		}
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("Using sqlite storage", "path", cfg.SQLitePath)
		closeDB := func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}
		return db.Area(storage.AreaSync), db.Area(storage.AreaLocal), closeDB, nil

	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using GCS storage", "bucket", cfg.Bucket)
		closeClient := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		return storage.NewGCS(client, cfg.Bucket, storage.AreaSync, logger),
			storage.NewGCS(client, cfg.Bucket, storage.AreaLocal, logger),
			closeClient, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
}

// newProvider builds the configured notification provider. A nil provider
// makes the dispatcher log notifications instead of sending them.
func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Provider, error) {
	switch cfg.Notify {
	case "mock":
		if cfg.NotifyTo == "" {
			logger.Info("No notification recipient, notifications are logged only")
			return nil, nil
		}
		return notify.NewMockProvider(logger), nil
	case "gmail":
		svc, err := notify.NewGmailService(ctx, cfg.GmailCredentials)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail: %w", err)
		}
		return notify.NewGmailProvider(svc, logger), nil
	case "brevo":
		return notify.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromAddr, cfg.FromName, logger), nil
	}
	return nil, fmt.Errorf("unknown notification provider %q", cfg.Notify)
}
