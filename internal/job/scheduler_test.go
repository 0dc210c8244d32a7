package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncqueue/internal/models"
)

func TestScheduler_TickSkipsWhileActive(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	s := NewScheduler(m, store)
	r := Recurring{JobType: "sync", Payload: json.RawMessage(`{"tables":["orders"]}`), Interval: time.Minute}

	assert.True(t, s.Tick(ctx, r))
	assert.False(t, s.Tick(ctx, r), "pending job blocks the next tick")

	claimed, err := m.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.JSONEq(t, `{"tables":["orders"]}`, string(claimed.Payload))
	assert.False(t, s.Tick(ctx, r), "leased job blocks the next tick")

	_, err = m.Complete(ctx, claimed.ID, "w1")
	require.NoError(t, err)
	assert.True(t, s.Tick(ctx, r))

	jobs, err := m.List(ctx, models.JobFilter{JobType: "sync"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestScheduler_StartEnqueuesImmediately(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	s := NewScheduler(m, store, Recurring{JobType: "sync", Interval: time.Hour})

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		n, err := store.CountActive(ctx, "sync")
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestScheduler_RejectsInvalidInterval(t *testing.T) {
	m, store, _ := newTestManager(t)
	s := NewScheduler(m, store, Recurring{JobType: "sync"})
	assert.Error(t, s.Start(context.Background()))
}
