// Package app wires configuration into connected stores, the lease manager
// and the sync engine. Both the worker and queuectl start from here.
package app

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/syncqueue/internal/circuitbreaker"
	"github.com/syncqueue/internal/config"
	"github.com/syncqueue/internal/job"
	"github.com/syncqueue/internal/logging"
	"github.com/syncqueue/internal/models"
	"github.com/syncqueue/internal/retry"
	"github.com/syncqueue/internal/storage"
	"github.com/syncqueue/internal/syncer"
)

// Services holds every connection and component built from a Config.
// Redis and ClickHouse are nil when unavailable or disabled.
type Services struct {
	Config *config.Config

	Local      *storage.PostgresDB
	Remote     *storage.PostgresDB
	Redis      *storage.RedisClient
	ClickHouse *storage.ClickHouseDB

	Jobs      *storage.JobRepository
	Cursors   *storage.SyncCursorRepository
	Conflicts *storage.ConflictLogRepository
	Manager   *job.Manager
	Engine    *syncer.Engine
	Breaker   *circuitbreaker.CircuitBreaker
}

// Connect opens every connection, retrying the required databases with
// exponential backoff, and assembles the queue and sync components.
func Connect(ctx context.Context, cfg *config.Config) (*Services, error) {
	logger := logging.FromContext(ctx)
	s := &Services{Config: cfg}

	var err error
	if s.Local, err = connectPostgres(ctx, &cfg.Database.Local, "local"); err != nil {
		return nil, err
	}
	if s.Remote, err = connectPostgres(ctx, &cfg.Database.Remote, "remote"); err != nil {
		s.Close()
		return nil, err
	}

	if s.Redis, err = storage.NewRedisClient(&cfg.Database.Redis); err != nil {
		logger.WithError(err).Warn("Redis unavailable, sync cycles are only serialized within this process")
		s.Redis = nil
	}

	if cfg.Database.ClickHouse.Enabled {
		if s.ClickHouse, err = storage.NewClickHouseDB(&cfg.Database.ClickHouse); err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, conflicts are only logged")
			s.ClickHouse = nil
		} else {
			s.Conflicts = storage.NewConflictLogRepository(s.ClickHouse)
			logger.WithField("database", s.ClickHouse.Database()).Info("Conflict audit log enabled")
		}
	}

	s.Jobs = storage.NewJobRepository(s.Local)
	s.Cursors = storage.NewSyncCursorRepository(s.Local)
	s.Manager = NewManager(cfg, s.Jobs)
	s.Breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("remote-postgres"))

	engineCfg := EngineConfig(cfg)
	engineCfg.Local = storage.NewTableStore(s.Local)
	engineCfg.Remote = storage.NewTableStore(s.Remote)
	engineCfg.Cursors = s.Cursors
	engineCfg.Breaker = s.Breaker
	if s.Redis != nil {
		engineCfg.Locker = storage.NewSyncLock(s.Redis)
	} else {
		engineCfg.Locker = syncer.NewMemoryLocker()
	}
	if s.Conflicts != nil {
		engineCfg.Recorder = s.Conflicts
	}
	if s.Engine, err = syncer.NewEngine(engineCfg); err != nil {
		s.Close()
		return nil, fmt.Errorf("invalid sync configuration: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"redis":      s.Redis != nil,
		"clickhouse": s.ClickHouse != nil,
		"tables":     s.Engine.Tables(),
	}).Info("Services connected")
	return s, nil
}

// NewManager builds the lease manager from the queue settings
func NewManager(cfg *config.Config, store job.Store) *job.Manager {
	q := cfg.Queue
	return job.NewManager(store, job.ManagerConfig{
		LeaseDuration: q.LeaseDuration,
		MaxAttempts:   q.MaxAttempts,
		Backoff: retry.Backoff{
			Base:   q.BackoffBase,
			Cap:    q.BackoffCap,
			Jitter: q.BackoffJitter,
		},
	})
}

// EngineConfig maps the sync settings onto an engine config. Stores and
// collaborators are left for the caller.
func EngineConfig(cfg *config.Config) syncer.EngineConfig {
	s := cfg.Sync
	tables := make([]models.TableSpec, 0, len(s.Tables))
	for _, name := range s.Tables {
		tables = append(tables, models.TableSpec{
			Name:          name,
			IDColumn:      s.IDColumn,
			VersionColumn: s.VersionColumn,
		})
	}

	var limiter *rate.Limiter
	if s.RemoteRPS > 0 {
		burst := int(s.RemoteRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.RemoteRPS), burst)
	}

	return syncer.EngineConfig{
		Tables:             tables,
		BatchSize:          s.BatchSize,
		MaxBatchesPerTable: s.MaxBatchesPerTable,
		RemoteLimiter:      limiter,
		LockTTL:            s.LockTTL,
	}
}

// Close releases every open connection
func (s *Services) Close() {
	if s.ClickHouse != nil {
		if err := s.ClickHouse.Close(); err != nil {
			logging.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logging.WithError(err).Warn("Error closing Redis connection")
		}
	}
	if s.Remote != nil {
		s.Remote.Close()
	}
	if s.Local != nil {
		s.Local.Close()
	}
}

func connectPostgres(ctx context.Context, cfg *config.PostgresConfig, name string) (*storage.PostgresDB, error) {
	var db *storage.PostgresDB
	result := retry.WithExponentialBackoff(
		logging.WithLogger(ctx, logging.FromContext(ctx).WithField("database", name)),
		retry.DefaultRetryConfig(),
		func(ctx context.Context, attempt int) error {
			var err error
			db, err = storage.NewPostgresDB(cfg, name)
			return err
		},
	)
	if !result.Success {
		return nil, fmt.Errorf("failed to connect to %s Postgres after %d attempts: %w",
			name, result.Attempts, result.LastError)
	}
	return db, nil
}
