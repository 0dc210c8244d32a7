// Package syncer reconciles tables between the local and remote databases.
// Each table is synchronized independently: extract both sides since their
// cursors, resolve rows changed on both, upsert each side, then advance both
// cursors. A failure leaves that table's cursors where they were, so the next
// cycle re-extracts exactly the unreconciled rows.
package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/syncqueue/internal/models"
)

// CursorStore persists per-table, per-direction watermarks
type CursorStore interface {
	// GetWatermark returns the watermark and whether one was ever stored.
	GetWatermark(ctx context.Context, table string, dir models.Direction) (int64, bool, error)
	// Advance stores wm. Equal values are a no-op; lower values fail with
	// ErrWatermarkRegression.
	Advance(ctx context.Context, table string, dir models.Direction, wm int64) error
	List(ctx context.Context) ([]models.SyncCursor, error)
}

// TableStore reads and writes rows of synchronized tables on one side
type TableStore interface {
	// Extract returns rows with version > since in (version, id) order. At
	// least limit rows are returned when available; rows sharing the last
	// returned version are always returned together so that a later extract
	// from that version misses nothing. next is the last returned version, or
	// since when nothing matched. Extract has no side effects.
	Extract(ctx context.Context, spec models.TableSpec, since int64, limit int) (changes []models.ChangeRecord, next int64, err error)

	// Upsert writes full row images in one transaction. A row is replaced
	// when its stored version is older than the incoming one; on equal
	// versions tie decides. Re-applying a batch leaves the table unchanged.
	// It returns the number of rows written.
	Upsert(ctx context.Context, spec models.TableSpec, changes []models.ChangeRecord, tie TieRule) (int, error)
}

// TieRule decides whether an incoming row replaces a stored row of the same
// version. Remote rows win ties, so writes to the remote side keep the stored
// row and writes to the local side replace it.
type TieRule int

const (
	// TieReplace overwrites a stored row of equal version
	TieReplace TieRule = iota
	// TieKeep leaves a stored row of equal version untouched
	TieKeep
)

// Replaces reports whether an incoming row at incoming replaces a stored row at stored
func (r TieRule) Replaces(stored, incoming int64) bool {
	if stored == incoming {
		return r == TieReplace
	}
	return stored < incoming
}

// Locker provides cross-process mutual exclusion for sync cycles
type Locker interface {
	// Acquire takes key for ttl. ok is false when another holder has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (lock Lock, ok bool, err error)
}

// Lock is one held acquisition of a Locker key
type Lock interface {
	// Refresh resets the lock's TTL. It fails with ErrLockLost when the lock
	// expired and may now be held by someone else.
	Refresh(ctx context.Context) error
	// Release frees the lock if it is still ours.
	Release(ctx context.Context) error
}

// ErrLockLost means a held lock expired before it was refreshed
var ErrLockLost = errors.New("sync lock lost")

// ConflictRecorder receives an audit entry for every resolved conflict
type ConflictRecorder interface {
	Record(ctx context.Context, records []models.ConflictRecord) error
}
