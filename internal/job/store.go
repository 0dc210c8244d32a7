// Package job implements the durable leased job queue: the store contract,
// an in-memory store and the lease manager that owns every retry decision.
package job

import (
	"context"
	"time"

	"github.com/syncqueue/internal/models"
)

// LeaseExpiredError is recorded when a job is taken away from a silent worker.
const LeaseExpiredError = "lease expired"

// Store persists jobs. Every method is atomic on its own; implementations
// must guarantee that ClaimNext never hands the same job to two callers while
// a lease is live.
type Store interface {
	Insert(ctx context.Context, job *models.Job) error

	// ClaimNext leases the oldest claimable job (by available_at, then id) to
	// workerID until now+lease and returns it, or returns nil when nothing is
	// claimable. Taking over an expired lease consumes one attempt and sets
	// last_error to LeaseExpiredError. An empty jobTypes matches every type.
	ClaimNext(ctx context.Context, workerID string, now time.Time, lease time.Duration, jobTypes []string) (*models.Job, error)

	// UpdateLeased locks the job, checks that workerID holds its lease, lets fn
	// mutate it and persists the result. It returns an ErrNotFound error when
	// the job is missing or leased by someone else.
	UpdateLeased(ctx context.Context, jobID, workerID string, now time.Time, fn func(*models.Job) error) (*models.Job, error)

	// ReclaimExpired locks up to limit leases that expired before now, skipping
	// rows locked by concurrent callers, and persists fn's changes to each.
	ReclaimExpired(ctx context.Context, now time.Time, limit int, fn func(*models.Job)) (int, error)

	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	Stats(ctx context.Context, now time.Time) (*models.QueueStats, error)

	// CountActive counts pending and leased jobs of jobType.
	CountActive(ctx context.Context, jobType string) (int, error)

	// PurgeFinished deletes completed jobs last updated before cutoff.
	PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error)
}
