package syncer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/job"
	"github.com/syncqueue/internal/models"
	"github.com/syncqueue/internal/worker"
)

func TestHandler_PayloadValidation(t *testing.T) {
	env := newTestEnv(t, []string{"orders"}, nil)
	h := NewHandler(env.engine, 0)

	task := &worker.Task{Job: &models.Job{ID: "j1", JobType: JobType, Payload: json.RawMessage(`{"tables":"orders"}`)}}
	err := h(context.Background(), task)
	assert.True(t, apperrors.IsFatal(err))

	task = &worker.Task{Job: &models.Job{ID: "j2", JobType: JobType, Payload: json.RawMessage(`{"tables":["missing"]}`)}}
	err = h(context.Background(), task)
	assert.True(t, apperrors.IsFatal(err))

	env.local.Put("orders", "A", 1, row("A", 1, "a"))
	task = &worker.Task{Job: &models.Job{ID: "j3", JobType: JobType, Payload: json.RawMessage(`{}`)}}
	require.NoError(t, h(context.Background(), task))
	assert.Len(t, env.remote.Snapshot("orders"), 1)
}

func TestHandler_RunsThroughWorkerPool(t *testing.T) {
	env := newTestEnv(t, []string{"orders", "customers"}, nil)
	env.local.Put("orders", "R", 10, row("R", 10, "A"))
	env.remote.Put("orders", "R", 12, row("R", 12, "B"))
	env.remote.Put("customers", "C", 3, row("C", 3, "c"))

	m := job.NewManager(job.NewMemoryStore(), job.ManagerConfig{LeaseDuration: time.Minute})
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register(JobType, NewHandler(env.engine, time.Minute)))

	pool, err := worker.NewPool(m, reg, worker.PoolConfig{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		SafetyMargin: 10 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	}()

	j, err := m.Enqueue(context.Background(), job.EnqueueInput{
		JobType: JobType,
		Payload: json.RawMessage(`{"tables":["orders"]}`),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.Get(context.Background(), j.ID)
		return err == nil && got.Status == models.JobStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	_, payload, _ := env.local.Row("orders", "R")
	assert.Equal(t, "B", payload["value"])
	assert.Empty(t, env.local.Snapshot("customers"), "payload narrowed the cycle to orders")
}
