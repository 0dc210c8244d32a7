package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/models"
	"github.com/syncqueue/internal/syncer"
)

// ConflictLogRepository appends resolved conflicts to the ClickHouse
// sync_conflicts table
type ConflictLogRepository struct {
	db *ClickHouseDB
}

// NewConflictLogRepository creates a new conflict log repository
func NewConflictLogRepository(db *ClickHouseDB) *ConflictLogRepository {
	return &ConflictLogRepository{db: db}
}

var _ syncer.ConflictRecorder = (*ConflictLogRepository)(nil)

// Record inserts records in a single batch
func (r *ConflictLogRepository) Record(ctx context.Context, records []models.ConflictRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO sync_conflicts (
			table_name, row_id, local_version, remote_version,
			resolution, resolved_value, resolved_at
		)
	`)
	if err != nil {
		return apperrors.NewTransientError("prepare conflict batch", err)
	}

	for _, rec := range records {
		value, err := json.Marshal(rec.ResolvedValue)
		if err != nil {
			_ = batch.Abort()
			return apperrors.NewFatalError(fmt.Sprintf("encode conflict %s/%s", rec.TableName, rec.RowID), err)
		}
		if err := batch.Append(
			rec.TableName,
			rec.RowID,
			rec.LocalVersion,
			rec.RemoteVersion,
			string(rec.Resolution),
			string(value),
			rec.ResolvedAt,
		); err != nil {
			_ = batch.Abort()
			return apperrors.NewTransientError("append conflict", err)
		}
	}

	if err := batch.Send(); err != nil {
		return apperrors.NewTransientError("send conflict batch", err)
	}
	return nil
}

// Recent returns the newest conflicts, optionally for one table
func (r *ConflictLogRepository) Recent(ctx context.Context, table string, limit int) ([]models.ConflictRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Conn().Query(ctx, `
		SELECT table_name, row_id, local_version, remote_version,
			resolution, resolved_value, resolved_at
		FROM sync_conflicts
		WHERE ? = '' OR table_name = ?
		ORDER BY resolved_at DESC
		LIMIT ?
	`, table, table, limit)
	if err != nil {
		return nil, apperrors.NewTransientError("query conflicts", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ConflictRecord
	for rows.Next() {
		var rec models.ConflictRecord
		var resolution, value string
		var resolvedAt time.Time
		if err := rows.Scan(
			&rec.TableName,
			&rec.RowID,
			&rec.LocalVersion,
			&rec.RemoteVersion,
			&resolution,
			&value,
			&resolvedAt,
		); err != nil {
			return nil, apperrors.NewTransientError("scan conflict", err)
		}
		rec.Resolution = models.Resolution(resolution)
		rec.ResolvedAt = resolvedAt
		if value != "" && value != "null" {
			resolved, err := decodeRowImage([]byte(value))
			if err != nil {
				return nil, apperrors.NewFatalError("decode conflict value", err)
			}
			rec.ResolvedValue = resolved
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewTransientError("iterate conflicts", err)
	}
	return out, nil
}
