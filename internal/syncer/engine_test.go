package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncqueue/internal/circuitbreaker"
	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/models"
)

type testEnv struct {
	engine   *Engine
	local    *faultyTableStore
	remote   *faultyTableStore
	cursors  *MemoryCursorStore
	recorder *faultyRecorder
}

func newTestEnv(t *testing.T, tables []string, tweak func(*EngineConfig)) *testEnv {
	t.Helper()
	env := &testEnv{
		local:    newFaultyTableStore(),
		remote:   newFaultyTableStore(),
		cursors:  NewMemoryCursorStore(),
		recorder: &faultyRecorder{},
	}
	specs := make([]models.TableSpec, len(tables))
	for i, name := range tables {
		specs[i] = models.TableSpec{Name: name}
	}
	cfg := EngineConfig{
		Local:     env.local,
		Remote:    env.remote,
		Cursors:   env.cursors,
		Tables:    specs,
		BatchSize: 100,
		Recorder:  env.recorder,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	env.engine = engine
	return env
}

func row(id string, version int64, value string) map[string]any {
	return map[string]any{"id": id, "version": version, "value": value}
}

func (env *testEnv) watermark(t *testing.T, table string, dir models.Direction) (int64, bool) {
	t.Helper()
	wm, ok, err := env.cursors.GetWatermark(context.Background(), table, dir)
	require.NoError(t, err)
	return wm, ok
}

func TestEngine_ExampleScenario(t *testing.T) {
	env := newTestEnv(t, []string{"orders"}, nil)
	env.local.Put("orders", "R", 10, row("R", 10, "A"))
	env.remote.Put("orders", "R", 12, row("R", 12, "B"))

	result, err := env.engine.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	require.Len(t, result.Tables, 1)
	assert.Equal(t, 1, result.Tables[0].Conflicts)

	for _, side := range []*faultyTableStore{env.local, env.remote} {
		version, payload, ok := side.Row("orders", "R")
		require.True(t, ok)
		assert.Equal(t, int64(12), version)
		assert.Equal(t, "B", payload["value"])
	}

	push, ok := env.watermark(t, "orders", models.DirectionPush)
	require.True(t, ok)
	assert.GreaterOrEqual(t, push, int64(10))
	pull, ok := env.watermark(t, "orders", models.DirectionPull)
	require.True(t, ok)
	assert.GreaterOrEqual(t, pull, int64(12))

	records := env.recorder.Records()
	require.Len(t, records, 1)
	assert.Equal(t, models.ResolutionRemoteWins, records[0].Resolution)
	assert.Equal(t, int64(10), records[0].LocalVersion)
	assert.Equal(t, int64(12), records[0].RemoteVersion)
	assert.Equal(t, "B", records[0].ResolvedValue["value"])
}

func TestEngine_PropagatesOneSidedChanges(t *testing.T) {
	env := newTestEnv(t, []string{"orders"}, nil)
	env.local.Put("orders", "L1", 3, row("L1", 3, "local"))
	env.remote.Put("orders", "R1", 5, row("R1", 5, "remote"))

	result, err := env.engine.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Tables[0].Pushed)
	assert.Equal(t, 1, result.Tables[0].Pulled)
	assert.Zero(t, result.Tables[0].Conflicts)

	want := map[string]int64{"L1": 3, "R1": 5}
	assert.Equal(t, want, env.local.Snapshot("orders"))
	assert.Equal(t, want, env.remote.Snapshot("orders"))
	assert.Empty(t, env.recorder.Records())
}

func TestEngine_TieGoesToRemote(t *testing.T) {
	env := newTestEnv(t, []string{"orders"}, nil)
	env.local.Put("orders", "R", 7, row("R", 7, "A"))
	env.remote.Put("orders", "R", 7, row("R", 7, "B"))

	_, err := env.engine.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)

	_, local, _ := env.local.Row("orders", "R")
	_, remote, _ := env.remote.Row("orders", "R")
	assert.Equal(t, "B", local["value"])
	assert.Equal(t, "B", remote["value"])
}

func TestEngine_TieGoesToRemoteAcrossBatches(t *testing.T) {
	env := newTestEnv(t, []string{"orders"}, func(cfg *EngineConfig) { cfg.BatchSize = 1 })
	env.local.Put("orders", "r", 12, row("r", 12, "A"))
	env.remote.Put("orders", "y", 5, row("y", 5, "Y"))
	env.remote.Put("orders", "r", 12, row("r", 12, "B"))

	for i := 0; i < 3; i++ {
		_, err := env.engine.RunCycle(context.Background(), CycleOptions{})
		require.NoError(t, err)
	}

	for _, side := range []*faultyTableStore{env.local, env.remote} {
		version, payload, ok := side.Row("orders", "r")
		require.True(t, ok)
		assert.Equal(t, int64(12), version)
		assert.Equal(t, "B", payload["value"])
	}
	assert.Equal(t, env.local.Snapshot("orders"), env.remote.Snapshot("orders"))
}

func TestEngine_TieGoesToRemoteWhenRemoteArrivesFirst(t *testing.T) {
	env := newTestEnv(t, []string{"orders"}, func(cfg *EngineConfig) { cfg.BatchSize = 1 })
	env.local.Put("orders", "x", 3, row("x", 3, "X"))
	env.local.Put("orders", "r", 12, row("r", 12, "A"))
	env.remote.Put("orders", "r", 12, row("r", 12, "B"))

	for i := 0; i < 3; i++ {
		_, err := env.engine.RunCycle(context.Background(), CycleOptions{})
		require.NoError(t, err)
	}

	for _, side := range []*faultyTableStore{env.local, env.remote} {
		_, payload, ok := side.Row("orders", "r")
		require.True(t, ok)
		assert.Equal(t, "B", payload["value"])
	}
}

func TestTieRule_Replaces(t *testing.T) {
	assert.True(t, TieReplace.Replaces(4, 5))
	assert.True(t, TieKeep.Replaces(4, 5))
	assert.True(t, TieReplace.Replaces(5, 5))
	assert.False(t, TieKeep.Replaces(5, 5))
	assert.False(t, TieReplace.Replaces(6, 5))
	assert.False(t, TieKeep.Replaces(6, 5))
}

func TestEngine_ReplayAfterCrashIsIdempotent(t *testing.T) {
	env := newTestEnv(t, []string{"orders"}, nil)
	env.local.Put("orders", "A", 1, row("A", 1, "a"))
	env.local.Put("orders", "B", 4, row("B", 4, "b-local"))
	env.remote.Put("orders", "B", 6, row("B", 6, "b-remote"))
	env.remote.Put("orders", "C", 2, row("C", 2, "c"))

	_, err := env.engine.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	localOnce := env.local.Snapshot("orders")
	remoteOnce := env.remote.Snapshot("orders")

	// A crash before the cursors were advanced: replay from scratch.
	replay, err := NewEngine(EngineConfig{
		Local:   env.local,
		Remote:  env.remote,
		Cursors: NewMemoryCursorStore(),
		Tables:  []models.TableSpec{{Name: "orders"}},
	})
	require.NoError(t, err)
	_, err = replay.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)

	assert.Equal(t, localOnce, env.local.Snapshot("orders"))
	assert.Equal(t, remoteOnce, env.remote.Snapshot("orders"))
	_, payload, _ := env.local.Row("orders", "B")
	assert.Equal(t, "b-remote", payload["value"])
}

func TestMemoryTableStore_ReapplyingBatchIsNoop(t *testing.T) {
	ctx := context.Background()
	spec := models.TableSpec{Name: "orders"}
	src := NewMemoryTableStore()
	src.Put("orders", "A", 1, row("A", 1, "a"))
	src.Put("orders", "B", 2, row("B", 2, "b"))

	batch, next, err := src.Extract(ctx, spec, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)

	dst := NewMemoryTableStore()
	dst.Put("orders", "B", 9, row("B", 9, "newer"))

	_, err = dst.Upsert(ctx, spec, batch, TieReplace)
	require.NoError(t, err)
	once := dst.Snapshot("orders")
	_, err = dst.Upsert(ctx, spec, batch, TieReplace)
	require.NoError(t, err)

	assert.Equal(t, once, dst.Snapshot("orders"))
	assert.Equal(t, map[string]int64{"A": 1, "B": 9}, once)
}

func TestMemoryTableStore_ExtractKeepsVersionGroupsTogether(t *testing.T) {
	ctx := context.Background()
	spec := models.TableSpec{Name: "orders"}
	s := NewMemoryTableStore()
	s.Put("orders", "a", 1, nil)
	s.Put("orders", "b", 2, nil)
	s.Put("orders", "c", 2, nil)
	s.Put("orders", "d", 2, nil)
	s.Put("orders", "e", 3, nil)

	batch, next, err := s.Extract(ctx, spec, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
	require.Len(t, batch, 4)
	assert.Equal(t, []string{"a", "b", "c", "d"}, []string{batch[0].RowID, batch[1].RowID, batch[2].RowID, batch[3].RowID})

	batch, next, err = s.Extract(ctx, spec, next, 2)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, int64(3), next)

	batch, next, err = s.Extract(ctx, spec, next, 2)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Equal(t, int64(3), next, "an empty batch leaves the watermark unchanged")
}

func TestEngine_FailedTableKeepsCursors(t *testing.T) {
	env := newTestEnv(t, []string{"orders", "customers"}, nil)
	env.local.Put("orders", "O1", 1, row("O1", 1, "local"))
	env.remote.Put("orders", "O2", 4, row("O2", 4, "remote"))
	env.local.Put("customers", "C1", 2, row("C1", 2, "c"))
	env.remote.FailUpserts("orders", errors.New("connection reset by peer"))

	result, err := env.engine.RunCycle(context.Background(), CycleOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	require.Len(t, result.Tables, 2)
	assert.NotEmpty(t, result.Tables[0].Error)
	assert.Empty(t, result.Tables[1].Error)

	_, ok := env.watermark(t, "orders", models.DirectionPush)
	assert.False(t, ok, "failed table's push cursor must not move")
	_, ok = env.watermark(t, "orders", models.DirectionPull)
	assert.False(t, ok, "failed table's pull cursor must not move")

	wm, ok := env.watermark(t, "customers", models.DirectionPush)
	require.True(t, ok)
	assert.Equal(t, int64(2), wm)
	assert.Equal(t, map[string]int64{"C1": 2}, env.remote.Snapshot("customers"))

	env.remote.FailUpserts("orders", nil)
	_, err = env.engine.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)

	want := map[string]int64{"O1": 1, "O2": 4}
	assert.Equal(t, want, env.local.Snapshot("orders"))
	assert.Equal(t, want, env.remote.Snapshot("orders"))
	wm, _ = env.watermark(t, "orders", models.DirectionPull)
	assert.Equal(t, int64(4), wm)
}

func TestEngine_FatalOnlyFailuresAreFatal(t *testing.T) {
	env := newTestEnv(t, []string{"orders"}, nil)
	env.remote.Put("orders", "O1", 1, row("O1", 1, "x"))
	env.local.FailUpserts("orders", apperrors.NewFatalError("column \"value\" does not exist", nil))

	_, err := env.engine.RunCycle(context.Background(), CycleOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
}

func TestEngine_BatchBudget(t *testing.T) {
	env := newTestEnv(t, []string{"orders"}, func(cfg *EngineConfig) {
		cfg.BatchSize = 1
		cfg.MaxBatchesPerTable = 2
	})
	for i := int64(1); i <= 5; i++ {
		id := string(rune('a' + i - 1))
		env.local.Put("orders", id, i, row(id, i, "v"))
	}

	result, err := env.engine.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Tables[0].Batches)

	wm, _ := env.watermark(t, "orders", models.DirectionPush)
	assert.Equal(t, int64(2), wm)
	assert.Len(t, env.remote.Snapshot("orders"), 2)

	for i := 0; i < 5; i++ {
		_, err = env.engine.RunCycle(context.Background(), CycleOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, env.local.Snapshot("orders"), env.remote.Snapshot("orders"))
}

func TestEngine_RepeatsFullBatches(t *testing.T) {
	env := newTestEnv(t, []string{"orders"}, func(cfg *EngineConfig) {
		cfg.BatchSize = 2
	})
	for i := int64(1); i <= 5; i++ {
		id := string(rune('a' + i - 1))
		env.local.Put("orders", id, i, row(id, i, "v"))
	}

	result, err := env.engine.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Tables[0].Batches, 3)
	assert.Equal(t, env.local.Snapshot("orders"), env.remote.Snapshot("orders"))
	wm, _ := env.watermark(t, "orders", models.DirectionPush)
	assert.Equal(t, int64(5), wm)
}

func TestEngine_SkipsWhenLockHeld(t *testing.T) {
	locker := NewMemoryLocker()
	env := newTestEnv(t, []string{"orders"}, func(cfg *EngineConfig) { cfg.Locker = locker })
	env.local.Put("orders", "A", 1, row("A", 1, "a"))

	held, ok, err := locker.Acquire(context.Background(), CycleLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := env.engine.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, env.local.Extracts())

	require.NoError(t, held.Release(context.Background()))
	result, err = env.engine.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Len(t, env.remote.Snapshot("orders"), 1)

	// the engine released its own lock
	_, ok, err = locker.Acquire(context.Background(), CycleLockKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngine_RenewsLockEveryBatch(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }

	env := newTestEnv(t, []string{"orders"}, func(cfg *EngineConfig) {
		cfg.Locker = locker
		cfg.LockTTL = time.Minute
		cfg.BatchSize = 1
	})
	for i := int64(1); i <= 4; i++ {
		id := string(rune('a' + i - 1))
		env.local.Put("orders", id, i, row(id, i, "v"))
	}

	// Each batch takes 40s: the cycle outlives the TTL but keeps the lock.
	result, err := env.engine.RunCycle(context.Background(), CycleOptions{
		Heartbeat: func(context.Context) error { now = now.Add(40 * time.Second); return nil },
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Tables[0].Batches, 4)
	assert.Len(t, env.remote.Snapshot("orders"), 4)
}

func TestEngine_LostLockAbortsCycle(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }

	env := newTestEnv(t, []string{"orders", "customers"}, func(cfg *EngineConfig) {
		cfg.Locker = locker
		cfg.LockTTL = time.Minute
		cfg.BatchSize = 1
	})
	env.local.Put("orders", "a", 1, row("a", 1, "v"))
	env.local.Put("orders", "b", 2, row("b", 2, "v"))
	env.local.Put("customers", "c", 1, row("c", 1, "v"))

	result, err := env.engine.RunCycle(context.Background(), CycleOptions{
		Heartbeat: func(context.Context) error { now = now.Add(2 * time.Minute); return nil },
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.ErrorIs(t, err, ErrLockLost)
	require.Len(t, result.Tables, 1, "later tables are not synced without the lock")
	assert.Empty(t, env.remote.Snapshot("customers"))

	wm, _ := env.watermark(t, "orders", models.DirectionPush)
	assert.Equal(t, int64(1), wm, "the committed batch keeps its cursor")
}

func TestMemoryLocker_Refresh(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }

	first, ok, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(50 * time.Second)
	require.NoError(t, first.Refresh(ctx))
	now = now.Add(50 * time.Second)
	_, ok, err = locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "refresh extended the hold")

	now = now.Add(2 * time.Minute)
	second, ok, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ErrorIs(t, first.Refresh(ctx), ErrLockLost)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Refresh(ctx), "a stale release leaves the new holder alone")
}

func TestEngine_CircuitBreakerFailsFast(t *testing.T) {
	breaker := circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
		Name:        "remote-postgres",
		MaxFailures: 1,
		Timeout:     time.Hour,
	})
	env := newTestEnv(t, []string{"orders"}, func(cfg *EngineConfig) { cfg.Breaker = breaker })
	env.local.Put("orders", "A", 1, row("A", 1, "a"))
	env.remote.FailUpserts("orders", errors.New("no route to host"))

	_, err := env.engine.RunCycle(context.Background(), CycleOptions{})
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	extracts := env.remote.Extracts()
	_, err = env.engine.RunCycle(context.Background(), CycleOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, extracts, env.remote.Extracts(), "open circuit must not reach the remote")
}

func TestEngine_TableSelection(t *testing.T) {
	env := newTestEnv(t, []string{"orders", "customers"}, nil)
	env.local.Put("orders", "O", 1, row("O", 1, "o"))
	env.local.Put("customers", "C", 1, row("C", 1, "c"))

	result, err := env.engine.RunCycle(context.Background(), CycleOptions{Tables: []string{"customers"}})
	require.NoError(t, err)
	require.Len(t, result.Tables, 1)
	assert.Equal(t, "customers", result.Tables[0].Table)
	assert.Empty(t, env.remote.Snapshot("orders"))

	_, err = env.engine.RunCycle(context.Background(), CycleOptions{Tables: []string{"invoices"}})
	assert.True(t, apperrors.IsFatal(err))
	assert.Equal(t, []string{"orders", "customers"}, env.engine.Tables())
}

func TestEngine_RecorderFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t, []string{"orders"}, nil)
	env.recorder.SetError(errors.New("clickhouse unavailable"))
	env.local.Put("orders", "R", 1, row("R", 1, "A"))
	env.remote.Put("orders", "R", 2, row("R", 2, "B"))

	result, err := env.engine.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Tables[0].Conflicts)
}

func TestEngine_Heartbeat(t *testing.T) {
	env := newTestEnv(t, []string{"orders"}, nil)
	env.local.Put("orders", "A", 1, row("A", 1, "a"))

	beats := 0
	_, err := env.engine.RunCycle(context.Background(), CycleOptions{
		Heartbeat: func(context.Context) error { beats++; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, beats)

	lost := apperrors.NewNotFoundError("leased job", "x")
	_, err = env.engine.RunCycle(context.Background(), CycleOptions{
		Heartbeat: func(context.Context) error { return lost },
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	assert.Error(t, err)

	_, err = NewEngine(EngineConfig{
		Local:   NewMemoryTableStore(),
		Remote:  NewMemoryTableStore(),
		Cursors: NewMemoryCursorStore(),
		Tables:  []models.TableSpec{{Name: "orders"}, {Name: "orders"}},
	})
	assert.Error(t, err)
}

func TestMemoryCursorStore_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCursorStore()

	_, ok, err := s.GetWatermark(ctx, "orders", models.DirectionPull)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Advance(ctx, "orders", models.DirectionPull, 5))
	require.NoError(t, s.Advance(ctx, "orders", models.DirectionPull, 5))
	err = s.Advance(ctx, "orders", models.DirectionPull, 4)
	assert.ErrorIs(t, err, apperrors.ErrWatermarkRegression)

	wm, ok, err := s.GetWatermark(ctx, "orders", models.DirectionPull)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), wm)

	require.NoError(t, s.Advance(ctx, "orders", models.DirectionPush, 1))
	cursors, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	assert.Equal(t, models.DirectionPull, cursors[0].Direction)

	assert.Error(t, s.Advance(ctx, "orders", "sideways", 1))
}
