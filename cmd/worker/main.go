// Package main provides the queue worker: a pool that executes leased jobs,
// the reaper that recovers orphaned leases and the scheduler that enqueues
// the recurring sync job.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syncqueue/internal/app"
	"github.com/syncqueue/internal/config"
	"github.com/syncqueue/internal/job"
	"github.com/syncqueue/internal/logging"
	"github.com/syncqueue/internal/syncer"
	"github.com/syncqueue/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.InitGlobalLogger(logging.Options{
		Level:      logging.ParseLogLevel(cfg.Logging.Level),
		Format:     logging.ParseLogFormat(cfg.Logging.Format),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	}).WithField("workerId", cfg.Queue.WorkerID)

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	logger.Info("Worker starting")

	services, err := app.Connect(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect")
	}
	defer services.Close()

	registry := worker.NewRegistry()
	if err := registry.Register(syncer.JobType, syncer.NewHandler(services.Engine, cfg.Queue.LeaseDuration)); err != nil {
		logger.WithError(err).Fatal("Failed to register sync handler")
	}

	pool, err := worker.NewPool(services.Manager, registry, worker.PoolConfig{
		Workers:      cfg.Queue.Workers,
		WorkerID:     cfg.Queue.WorkerID,
		PollInterval: cfg.Queue.PollInterval,
		SafetyMargin: cfg.Queue.LeaseSafetyMargin,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create worker pool")
	}

	reaper := worker.NewReaper(services.Manager, cfg.Queue.ReclaimInterval)

	var recurring []job.Recurring
	if cfg.Sync.Interval > 0 && len(cfg.Sync.Tables) > 0 {
		recurring = append(recurring, job.Recurring{
			JobType:  syncer.JobType,
			Interval: cfg.Sync.Interval,
		})
	}
	scheduler := job.NewScheduler(services.Manager, services.Jobs, recurring...)

	if err := pool.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start worker pool")
	}
	if err := reaper.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start reaper")
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	logger.WithFields(map[string]interface{}{
		"workers":  cfg.Queue.Workers,
		"jobTypes": registry.Types(),
		"tables":   services.Engine.Tables(),
	}).Info("Worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("Shutdown signal received, stopping worker")

	scheduler.Stop()
	reaper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), shutdownTimeout)
	defer shutdownCancel()

	// In-flight handlers finish and finalize their jobs. Anything still
	// running past the timeout keeps its lease and is reclaimed later.
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Worker pool did not stop cleanly")
	}
	cancel()

	logger.Info("Worker stopped")
}
