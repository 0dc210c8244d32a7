package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/syncqueue/internal/circuitbreaker"
	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/logging"
	"github.com/syncqueue/internal/models"
	"github.com/syncqueue/internal/syncer/conflict"
)

// CycleLockKey is the coordination key held for the duration of a cycle
const CycleLockKey = "syncqueue:sync-cycle"

// EngineConfig wires an Engine. Local, Remote, Cursors and Tables are required.
type EngineConfig struct {
	Local   TableStore
	Remote  TableStore
	Cursors CursorStore
	Tables  []models.TableSpec

	BatchSize          int
	MaxBatchesPerTable int

	// Breaker guards remote calls; nil disables it.
	Breaker *circuitbreaker.CircuitBreaker
	// RemoteLimiter throttles remote calls; nil disables it.
	RemoteLimiter *rate.Limiter
	// Locker serializes cycles across processes; nil disables it.
	Locker  Locker
	LockTTL time.Duration
	// Recorder receives conflict records; failures are logged only.
	Recorder ConflictRecorder
	Resolver *conflict.Resolver
}

// Engine runs sync cycles
type Engine struct {
	cfg    EngineConfig
	tables map[string]models.TableSpec
}

// NewEngine validates cfg and creates an engine
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Local == nil || cfg.Remote == nil {
		return nil, fmt.Errorf("local and remote table stores are required")
	}
	if cfg.Cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxBatchesPerTable <= 0 {
		cfg.MaxBatchesPerTable = 10
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.Resolver == nil {
		cfg.Resolver = conflict.NewResolver(nil)
	}

	cfg.Tables = append([]models.TableSpec(nil), cfg.Tables...)
	tables := make(map[string]models.TableSpec, len(cfg.Tables))
	for i, spec := range cfg.Tables {
		if spec.Name == "" {
			return nil, fmt.Errorf("table %d has no name", i)
		}
		if spec.IDColumn == "" {
			spec.IDColumn = "id"
		}
		if spec.VersionColumn == "" {
			spec.VersionColumn = "version"
		}
		if _, dup := tables[spec.Name]; dup {
			return nil, fmt.Errorf("table %s configured twice", spec.Name)
		}
		cfg.Tables[i] = spec
		tables[spec.Name] = spec
	}
	return &Engine{cfg: cfg, tables: tables}, nil
}

// Tables returns the configured table names in order
func (e *Engine) Tables() []string {
	names := make([]string, len(e.cfg.Tables))
	for i, spec := range e.cfg.Tables {
		names[i] = spec.Name
	}
	return names
}

// CycleOptions narrows a cycle
type CycleOptions struct {
	// Tables limits the cycle to these configured tables; empty means all.
	Tables []string
	// Heartbeat runs after every batch. An error aborts the cycle; the sync
	// handler uses it to renew its job lease.
	Heartbeat func(ctx context.Context) error
}

// TableResult reports one table's progress
type TableResult struct {
	Table         string `json:"table"`
	Batches       int    `json:"batches"`
	Pulled        int    `json:"pulled"`
	Pushed        int    `json:"pushed"`
	Conflicts     int    `json:"conflicts"`
	PushWatermark int64  `json:"pushWatermark"`
	PullWatermark int64  `json:"pullWatermark"`
	Error         string `json:"error,omitempty"`
}

// CycleResult reports a whole cycle
type CycleResult struct {
	Tables   []TableResult `json:"tables"`
	Skipped  bool          `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// RunCycle synchronizes the selected tables one after another. Tables that
// fail do not stop later tables. The returned error joins every table failure
// and is fatal only when every failure is fatal.
func (e *Engine) RunCycle(ctx context.Context, opts CycleOptions) (*CycleResult, error) {
	logger := logging.FromContext(ctx)
	started := time.Now()

	specs, err := e.selectTables(opts.Tables)
	if err != nil {
		return nil, err
	}

	result := &CycleResult{}
	heartbeat := opts.Heartbeat
	if e.cfg.Locker != nil {
		lock, ok, err := e.cfg.Locker.Acquire(ctx, CycleLockKey, e.cfg.LockTTL)
		if err != nil {
			return nil, apperrors.NewTransientError("failed to acquire sync lock", err)
		}
		if !ok {
			logger.Info("Another sync cycle holds the lock, skipping")
			result.Skipped = true
			return result, nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.WithError(err).Warn("Failed to release sync lock")
			}
		}()
		heartbeat = renewing(lock, opts.Heartbeat)
	}

	var failures []error
	allFatal := true
	for _, spec := range specs {
		tr, err := e.syncTable(ctx, spec, heartbeat)
		if err != nil {
			tr.Error = err.Error()
			failures = append(failures, fmt.Errorf("table %s: %w", spec.Name, err))
			if !apperrors.IsFatal(err) {
				allFatal = false
			}
			logger.WithFields(map[string]interface{}{
				"table":     spec.Name,
				"batches":   tr.Batches,
				"retryable": !apperrors.IsFatal(err),
			}).WithError(err).Error("Table sync failed")
		}
		result.Tables = append(result.Tables, tr)

		if ctx.Err() != nil || errors.Is(err, ErrLockLost) {
			break
		}
	}
	result.Duration = time.Since(started)

	logger.WithFields(map[string]interface{}{
		"tables":   len(result.Tables),
		"failed":   len(failures),
		"duration": result.Duration.String(),
	}).Info("Sync cycle finished")

	if len(failures) == 0 {
		return result, nil
	}
	joined := errors.Join(failures...)
	if allFatal {
		return result, apperrors.NewFatalError("sync cycle failed", joined)
	}
	return result, apperrors.NewTransientError("sync cycle failed", joined)
}

// renewing runs next and then refreshes the cycle lock, so the lock is
// checked right before the following batch starts. A lost lock aborts the
// cycle with a retryable error, since another cycle may now be running.
func renewing(lock Lock, next func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if next != nil {
			if err := next(ctx); err != nil {
				return err
			}
		}
		if err := lock.Refresh(ctx); err != nil {
			return apperrors.NewTransientError("failed to renew sync lock", err)
		}
		return nil
	}
}

func (e *Engine) selectTables(names []string) ([]models.TableSpec, error) {
	if len(names) == 0 {
		return e.cfg.Tables, nil
	}
	specs := make([]models.TableSpec, 0, len(names))
	for _, name := range names {
		spec, ok := e.tables[name]
		if !ok {
			return nil, apperrors.NewValidationError("tables", fmt.Sprintf("table %q is not configured for sync", name))
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// syncTable runs batches until neither side returns a full batch or the
// per-cycle batch budget is spent.
func (e *Engine) syncTable(ctx context.Context, spec models.TableSpec, heartbeat func(context.Context) error) (TableResult, error) {
	tr := TableResult{Table: spec.Name}
	for tr.Batches < e.cfg.MaxBatchesPerTable {
		more, err := e.syncBatch(ctx, spec, &tr)
		if err != nil {
			return tr, err
		}
		tr.Batches++
		if heartbeat != nil {
			if err := heartbeat(ctx); err != nil {
				return tr, fmt.Errorf("heartbeat failed: %w", err)
			}
		}
		if !more {
			break
		}
	}
	return tr, nil
}

// syncBatch reconciles one batch of a table and reports whether either side
// may have more changes.
func (e *Engine) syncBatch(ctx context.Context, spec models.TableSpec, tr *TableResult) (bool, error) {
	logger := logging.FromContext(ctx).WithField("table", spec.Name)

	pushWM, _, err := e.cfg.Cursors.GetWatermark(ctx, spec.Name, models.DirectionPush)
	if err != nil {
		return false, fmt.Errorf("failed to read push watermark: %w", err)
	}
	pullWM, _, err := e.cfg.Cursors.GetWatermark(ctx, spec.Name, models.DirectionPull)
	if err != nil {
		return false, fmt.Errorf("failed to read pull watermark: %w", err)
	}

	localChanges, nextPush, err := e.cfg.Local.Extract(ctx, spec, pushWM, e.cfg.BatchSize)
	if err != nil {
		return false, fmt.Errorf("failed to extract local changes: %w", err)
	}
	var remoteChanges []models.ChangeRecord
	nextPull := pullWM
	err = e.remote(ctx, func(ctx context.Context) error {
		var err error
		remoteChanges, nextPull, err = e.cfg.Remote.Extract(ctx, spec, pullWM, e.cfg.BatchSize)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to extract remote changes: %w", err)
	}

	toLocal, toRemote, results, err := e.reconcile(localChanges, remoteChanges)
	if err != nil {
		return false, apperrors.Fatal(err)
	}

	if len(toLocal) > 0 {
		if _, err := e.cfg.Local.Upsert(ctx, spec, toLocal, TieReplace); err != nil {
			return false, fmt.Errorf("failed to apply %d rows locally: %w", len(toLocal), err)
		}
	}
	if len(toRemote) > 0 {
		err := e.remote(ctx, func(ctx context.Context) error {
			// Remote wins ties, also when its copy lands in a later batch.
			_, err := e.cfg.Remote.Upsert(ctx, spec, toRemote, TieKeep)
			return err
		})
		if err != nil {
			return false, fmt.Errorf("failed to apply %d rows remotely: %w", len(toRemote), err)
		}
	}

	// Both sides committed; only now may the cursors move.
	if err := e.cfg.Cursors.Advance(ctx, spec.Name, models.DirectionPush, nextPush); err != nil {
		return false, fmt.Errorf("failed to advance push watermark: %w", err)
	}
	if err := e.cfg.Cursors.Advance(ctx, spec.Name, models.DirectionPull, nextPull); err != nil {
		return false, fmt.Errorf("failed to advance pull watermark: %w", err)
	}

	tr.Pulled += len(toLocal)
	tr.Pushed += len(toRemote)
	tr.Conflicts += len(results)
	tr.PushWatermark = nextPush
	tr.PullWatermark = nextPull

	if len(results) > 0 {
		e.recordConflicts(ctx, logger, results)
	}
	logger.WithFields(map[string]interface{}{
		"pulled":        len(toLocal),
		"pushed":        len(toRemote),
		"conflicts":     len(results),
		"pushWatermark": nextPush,
		"pullWatermark": nextPull,
	}).Debug("Sync batch applied")

	more := len(localChanges) >= e.cfg.BatchSize || len(remoteChanges) >= e.cfg.BatchSize
	return more, nil
}

// reconcile partitions both batches by row id. Local-only rows and local
// winners go remote; remote-only rows and remote winners go local.
func (e *Engine) reconcile(local, remote []models.ChangeRecord) (toLocal, toRemote []models.ChangeRecord, results []*conflict.Result, err error) {
	localByID := make(map[string]models.ChangeRecord, len(local))
	for _, c := range local {
		c.Origin = models.OriginLocal
		localByID[c.RowID] = c
	}

	var conflicts []conflict.Conflict
	for _, c := range remote {
		c.Origin = models.OriginRemote
		if l, ok := localByID[c.RowID]; ok {
			conflicts = append(conflicts, conflict.Conflict{Local: l, Remote: c})
			delete(localByID, c.RowID)
			continue
		}
		toLocal = append(toLocal, c)
	}
	for _, c := range local {
		if l, ok := localByID[c.RowID]; ok {
			toRemote = append(toRemote, l)
		}
	}

	results, err = e.cfg.Resolver.ResolveAll(conflicts)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, r := range results {
		if r.Winner.Origin == models.OriginLocal {
			toRemote = append(toRemote, r.Winner)
		} else {
			toLocal = append(toLocal, r.Winner)
		}
	}
	return toLocal, toRemote, results, nil
}

func (e *Engine) recordConflicts(ctx context.Context, logger *logging.Logger, results []*conflict.Result) {
	records := make([]models.ConflictRecord, len(results))
	for i, r := range results {
		records[i] = r.Record
		logger.WithFields(map[string]interface{}{
			"rowId":         r.Record.RowID,
			"localVersion":  r.Record.LocalVersion,
			"remoteVersion": r.Record.RemoteVersion,
			"resolution":    r.Record.Resolution,
		}).Info("Sync conflict resolved")
	}
	if e.cfg.Recorder == nil {
		return
	}
	if err := e.cfg.Recorder.Record(ctx, records); err != nil {
		logger.WithError(err).WithField("records", len(records)).Warn("Failed to record sync conflicts")
	}
}

// remote runs fn through the rate limiter and circuit breaker
func (e *Engine) remote(ctx context.Context, fn func(ctx context.Context) error) error {
	call := func(ctx context.Context) error {
		if e.cfg.RemoteLimiter != nil {
			if err := e.cfg.RemoteLimiter.Wait(ctx); err != nil {
				return err
			}
		}
		return fn(ctx)
	}
	if e.cfg.Breaker == nil {
		return call(ctx)
	}
	return e.cfg.Breaker.Execute(ctx, call)
}
