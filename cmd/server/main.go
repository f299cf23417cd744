// Command server runs the segmentation queue service: it accepts job
// submissions over HTTP, dispatches homogeneous batches to the inference
// backend, and fans progress out over the realtime channel.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/spherax/segqueue/internal/api"
	"github.com/spherax/segqueue/internal/config"
	"github.com/spherax/segqueue/internal/events"
	"github.com/spherax/segqueue/internal/platform/logger"
	"github.com/spherax/segqueue/internal/platform/mlclient"
	"github.com/spherax/segqueue/internal/platform/postgres"
	"github.com/spherax/segqueue/internal/platform/storage"
	"github.com/spherax/segqueue/internal/queue"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Setup(cfg.Server.LogLevel)
	log.Info("starting segmentation queue service", "port", cfg.Server.Port)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := runMigrations(db, log); err != nil {
		return err
	}

	channel, err := events.NewRedisChannel(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() { _ = channel.Close() }()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := channel.Ping(pingCtx); err != nil {
		cancelPing()
		return fmt.Errorf("redis unreachable: %w", err)
	}
	cancelPing()

	objectStore, err := storage.New(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create object storage client: %w", err)
	}

	backend := mlclient.New(cfg.ML.BaseURL, cfg.ML.RequestTimeout, log)
	publisher := events.NewProgressPublisher(channel, log)
	store := postgres.NewQueueStore(db)

	// One scheduler per process, passed by handle; there is no global
	// accessor.
	scheduler := queue.NewScheduler(store, backend, objectStore, publisher,
		queue.SchedulerConfig{
			MaxConcurrentBatches: cfg.Queue.MaxConcurrentBatches,
			BatchSize:            cfg.Queue.BatchSize,
			MaxBatches:           cfg.Queue.MaxBatches,
			MaxRetries:           cfg.Queue.MaxRetries,
			RetryInitialDelay:    cfg.Queue.RetryInitialDelay,
			RetryMaxDelay:        cfg.Queue.RetryMaxDelay,
			RetryBackoffFactor:   cfg.Queue.RetryBackoffFactor,
			StuckThreshold:       cfg.Queue.StuckThreshold,
			Retention:            cfg.Queue.Retention,
		}, log)

	driver := queue.NewDriver(scheduler, queue.DriverConfig{
		Interval: cfg.Queue.DriverInterval,
	}, log)
	driver.Start()
	defer driver.Stop()

	handler := api.NewQueueHandler(scheduler, driver, log)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}

	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	return db, nil
}

func runMigrations(db *sql.DB, log *slog.Logger) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("database migrations applied")
	return nil
}
