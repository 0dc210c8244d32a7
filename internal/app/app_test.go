package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncqueue/internal/config"
	"github.com/syncqueue/internal/job"
	"github.com/syncqueue/internal/syncer"
)

func testConfig() *config.Config {
	return &config.Config{
		Queue: config.QueueConfig{
			LeaseDuration: 2 * time.Minute,
			MaxAttempts:   3,
			BackoffBase:   time.Second,
			BackoffCap:    time.Minute,
		},
		Sync: config.SyncConfig{
			Tables:             []string{"orders", "customers"},
			IDColumn:           "uid",
			VersionColumn:      "rev",
			BatchSize:          50,
			MaxBatchesPerTable: 4,
			LockTTL:            time.Minute,
			RemoteRPS:          0.5,
		},
	}
}

func TestEngineConfig_MapsSyncSettings(t *testing.T) {
	ec := EngineConfig(testConfig())

	require.Len(t, ec.Tables, 2)
	assert.Equal(t, "orders", ec.Tables[0].Name)
	assert.Equal(t, "uid", ec.Tables[0].IDColumn)
	assert.Equal(t, "rev", ec.Tables[1].VersionColumn)
	assert.Equal(t, 50, ec.BatchSize)
	assert.Equal(t, 4, ec.MaxBatchesPerTable)
	assert.Equal(t, time.Minute, ec.LockTTL)
	require.NotNil(t, ec.RemoteLimiter)
	assert.Equal(t, 1, ec.RemoteLimiter.Burst(), "fractional rates still allow one call")
}

func TestEngineConfig_NoLimiterWithoutRate(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.RemoteRPS = 0
	assert.Nil(t, EngineConfig(cfg).RemoteLimiter)
}

func TestEngineConfig_BuildsWorkingEngine(t *testing.T) {
	ec := EngineConfig(testConfig())
	ec.Local = syncer.NewMemoryTableStore()
	ec.Remote = syncer.NewMemoryTableStore()
	ec.Cursors = syncer.NewMemoryCursorStore()
	ec.RemoteLimiter = nil

	engine, err := syncer.NewEngine(ec)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "customers"}, engine.Tables())
}

func TestNewManager_UsesQueueSettings(t *testing.T) {
	m := NewManager(testConfig(), job.NewMemoryStore())
	assert.Equal(t, 2*time.Minute, m.LeaseDuration())

	j, err := m.Enqueue(context.Background(), job.EnqueueInput{JobType: "sync"})
	require.NoError(t, err)
	assert.Equal(t, 3, j.MaxAttempts)
}
