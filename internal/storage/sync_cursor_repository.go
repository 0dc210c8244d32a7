package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/models"
	"github.com/syncqueue/internal/syncer"
)

// SyncCursorRepository persists sync watermarks in the local database
type SyncCursorRepository struct {
	db  *PostgresDB
	now func() time.Time
}

// NewSyncCursorRepository creates a new sync cursor repository
func NewSyncCursorRepository(db *PostgresDB) *SyncCursorRepository {
	return &SyncCursorRepository{db: db, now: time.Now}
}

var _ syncer.CursorStore = (*SyncCursorRepository)(nil)

// GetWatermark returns the stored watermark for a table and direction
func (r *SyncCursorRepository) GetWatermark(ctx context.Context, table string, dir models.Direction) (int64, bool, error) {
	var wm int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT watermark FROM sync_cursors WHERE table_name = $1 AND direction = $2`,
		table, string(dir),
	).Scan(&wm)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, apperrors.NewDatabaseError("get sync cursor", err)
	}
	return wm, true, nil
}

// Advance moves the watermark forward. The conditional upsert only writes a
// strictly larger value; when nothing was written the stored value decides
// between an idempotent repeat and a regression.
func (r *SyncCursorRepository) Advance(ctx context.Context, table string, dir models.Direction, wm int64) error {
	if !dir.Valid() {
		return apperrors.NewValidationError("direction", string(dir))
	}

	query := `
		INSERT INTO sync_cursors (table_name, direction, watermark, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_name, direction) DO UPDATE
		SET watermark = EXCLUDED.watermark, updated_at = EXCLUDED.updated_at
		WHERE sync_cursors.watermark < EXCLUDED.watermark
	`
	tag, err := r.db.Pool().Exec(ctx, query, table, string(dir), wm, r.now())
	if err != nil {
		return apperrors.NewDatabaseError("advance sync cursor", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, _, err := r.GetWatermark(ctx, table, dir)
	if err != nil {
		return err
	}
	if current > wm {
		return apperrors.NewWatermarkRegressionError(table, string(dir), current, wm)
	}
	return nil
}

// List returns every cursor ordered by table and direction
func (r *SyncCursorRepository) List(ctx context.Context) ([]models.SyncCursor, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT table_name, direction, watermark, updated_at
		FROM sync_cursors
		ORDER BY table_name, direction
	`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list sync cursors", err)
	}
	defer rows.Close()

	var cursors []models.SyncCursor
	for rows.Next() {
		var c models.SyncCursor
		var dir string
		if err := rows.Scan(&c.TableName, &dir, &c.Watermark, &c.UpdatedAt); err != nil {
			return nil, apperrors.NewDatabaseError("scan sync cursor", err)
		}
		c.Direction = models.Direction(dir)
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate sync cursors", err)
	}
	return cursors, nil
}
