// cmd/worker/main.go
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

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github-mirror/internal/api"
	"github-mirror/internal/config"
	"github-mirror/internal/gh"
	"github-mirror/internal/orchestrator"
	"github-mirror/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	projStore := store.New(dbpool, cfg.WriteTimeout, logger)

	resolver, err := gh.NewTokenResolver(cfg.GithubAppID, cfg.GithubAppPrivateKey, cfg.GithubToken, logger)
	if err != nil {
		return fmt.Errorf("failed to create token resolver: %w", err)
	}

	tc, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		return fmt.Errorf("failed to create temporal client: %w", err)
	}
	defer tc.Close()

	// 6. Register workflows and activities
	acts := orchestrator.NewActivities(resolver, projStore, tc, cfg.TaskQueue, cfg.FetchTimeout, logger)

	w := worker.New(tc, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(orchestrator.BootstrapRepository)
	w.RegisterWorkflow(orchestrator.SyncPullRequestFiles)
	w.RegisterActivity(acts.EnsureRepository)
	w.RegisterActivity(acts.SyncResourceChunk)
	w.RegisterActivity(acts.SyncCheckRunBatch)
	w.RegisterActivity(acts.ListCheckRunTargets)
	w.RegisterActivity(acts.RefreshProjections)
	w.RegisterActivity(acts.SchedulePullRequestFileSyncs)

	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	defer w.Stop()
	logger.Info("Temporal worker started", "task_queue", cfg.TaskQueue)

	// 7. Serve the read API
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewRouter(projStore, logger),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()
	logger.Info("Read API listening", "addr", cfg.HTTPAddr)

	// 8. Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Shutdown signal received. Exiting.")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
