package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/models"
)

func TestSyncCursorRepository_Monotonic(t *testing.T) {
	repo := NewSyncCursorRepository(testPostgres(t))
	ctx := testContext(t)

	_, ok, err := repo.GetWatermark(ctx, "orders", models.DirectionPush)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Advance(ctx, "orders", models.DirectionPush, 10))
	require.NoError(t, repo.Advance(ctx, "orders", models.DirectionPush, 10), "equal watermark is a no-op")
	require.NoError(t, repo.Advance(ctx, "orders", models.DirectionPush, 12))

	err = repo.Advance(ctx, "orders", models.DirectionPush, 11)
	assert.True(t, errors.Is(err, apperrors.ErrWatermarkRegression))

	wm, ok, err := repo.GetWatermark(ctx, "orders", models.DirectionPush)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(12), wm)

	require.NoError(t, repo.Advance(ctx, "orders", models.DirectionPull, 3))
	cursors, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	assert.Equal(t, models.DirectionPull, cursors[0].Direction)
	assert.Equal(t, int64(3), cursors[0].Watermark)
	assert.Equal(t, models.DirectionPush, cursors[1].Direction)

	err = repo.Advance(ctx, "orders", models.Direction("sideways"), 1)
	assert.Error(t, err)
}
