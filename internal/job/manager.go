package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/logging"
	"github.com/syncqueue/internal/models"
	"github.com/syncqueue/internal/retry"
)

// ManagerConfig configures lease and retry behaviour
type ManagerConfig struct {
	LeaseDuration time.Duration
	MaxAttempts   int
	Backoff       retry.Backoff
	// ReclaimBatch bounds how many orphans one store call locks.
	ReclaimBatch int
}

// DefaultManagerConfig returns a 5 minute lease, 5 attempts and the default backoff.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		LeaseDuration: 5 * time.Minute,
		MaxAttempts:   5,
		Backoff:       retry.DefaultBackoff(),
		ReclaimBatch:  100,
	}
}

// Manager implements the lease protocol on top of a Store. It is the only
// component that decides between retrying and dead-lettering a job.
type Manager struct {
	store Store
	cfg   ManagerConfig
	now   func() time.Time
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

// WithClock replaces time.Now; tests use it to step through lease expiry and backoff.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lease manager
func NewManager(store Store, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	def := DefaultManagerConfig()
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.ReclaimBatch <= 0 {
		cfg.ReclaimBatch = def.ReclaimBatch
	}
	m := &Manager{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LeaseDuration returns the configured lease length
func (m *Manager) LeaseDuration() time.Duration { return m.cfg.LeaseDuration }

// Now returns the manager's clock reading
func (m *Manager) Now() time.Time { return m.now() }

// EnqueueInput describes a job to create
type EnqueueInput struct {
	JobType string
	// Payload is stored untouched; nil becomes an empty object.
	Payload json.RawMessage
	// MaxAttempts <= 0 selects the configured default.
	MaxAttempts int
	// RunAfter delays the first claim.
	RunAfter time.Duration
}

// Enqueue creates a pending job
func (m *Manager) Enqueue(ctx context.Context, in EnqueueInput) (*models.Job, error) {
	if in.JobType == "" {
		return nil, apperrors.NewValidationError("job_type", "must not be empty")
	}
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	// jobs.payload is jsonb: any well-formed document is stored as given,
	// only bytes Postgres cannot store are refused.
	if !json.Valid(payload) {
		return nil, apperrors.NewValidationError("payload", "must be valid JSON")
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.MaxAttempts
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}

	now := m.now()
	j := &models.Job{
		ID:          id.String(),
		JobType:     in.JobType,
		Payload:     payload,
		Status:      models.JobStatusPending,
		MaxAttempts: maxAttempts,
		AvailableAt: now.Add(in.RunAfter),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Insert(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", in.JobType, err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":       j.ID,
		"jobType":     j.JobType,
		"availableAt": j.AvailableAt,
	}).Debug("Job enqueued")
	return j, nil
}

// ClaimNext leases the next claimable job to workerID, or returns nil when the queue is empty.
func (m *Manager) ClaimNext(ctx context.Context, workerID string, jobTypes ...string) (*models.Job, error) {
	if workerID == "" {
		return nil, apperrors.NewValidationError("worker_id", "must not be empty")
	}
	j, err := m.store.ClaimNext(ctx, workerID, m.now(), m.cfg.LeaseDuration, jobTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if j == nil {
		return nil, nil
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":          j.ID,
		"jobType":        j.JobType,
		"workerId":       workerID,
		"attempts":       j.Attempts,
		"leaseExpiresAt": j.LeaseExpiresAt,
	}).Debug("Job claimed")
	return j, nil
}

// Complete marks a job leased by workerID as completed. It returns an
// ErrNotFound error when workerID no longer holds the lease.
func (m *Manager) Complete(ctx context.Context, jobID, workerID string) (*models.Job, error) {
	j, err := m.store.UpdateLeased(ctx, jobID, workerID, m.now(), func(j *models.Job) error {
		j.Attempts++
		j.Status = models.JobStatusCompleted
		j.LeasedBy = nil
		j.LeaseExpiresAt = nil
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":    j.ID,
		"jobType":  j.JobType,
		"workerId": workerID,
		"attempts": j.Attempts,
	}).Info("Job completed")
	return j, nil
}

// Fail records a failed execution. Fatal failures and the last allowed
// attempt dead-letter the job; anything else goes back to pending after a
// backoff. It returns an ErrNotFound error when workerID no longer holds the lease.
func (m *Manager) Fail(ctx context.Context, jobID, workerID string, cause error, fatal bool) (*models.Job, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := m.now()
	j, err := m.store.UpdateLeased(ctx, jobID, workerID, now, func(j *models.Job) error {
		m.applyFailure(j, now, msg, fatal)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}

	m.logFailure(ctx, j, workerID, msg, fatal)
	return j, nil
}

// applyFailure moves a leased job to pending or dead. attempts counts
// finished executions, so the failing execution is counted here.
func (m *Manager) applyFailure(j *models.Job, now time.Time, msg string, fatal bool) {
	errMsg := msg
	j.LastError = &errMsg
	j.LeasedBy = nil
	j.LeaseExpiresAt = nil

	if fatal || j.Attempts+1 >= j.MaxAttempts {
		j.Attempts++
		j.Status = models.JobStatusDead
		return
	}
	j.Attempts++
	j.Status = models.JobStatusPending
	j.AvailableAt = now.Add(m.cfg.Backoff.Delay(j.Attempts))
}

func (m *Manager) logFailure(ctx context.Context, j *models.Job, workerID, msg string, fatal bool) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":       j.ID,
		"jobType":     j.JobType,
		"workerId":    workerID,
		"attempts":    j.Attempts,
		"maxAttempts": j.MaxAttempts,
		"fatal":       fatal,
		"error":       msg,
	})
	if j.Status == models.JobStatusDead {
		logger.Error("Job dead-lettered")
		return
	}
	logger.WithField("availableAt", j.AvailableAt).Warn("Job failed, retry scheduled")
}

// ExtendLease renews workerID's lease to now+d. Ownership is checked exactly
// as in Complete.
func (m *Manager) ExtendLease(ctx context.Context, jobID, workerID string, d time.Duration) (*models.Job, error) {
	if d <= 0 {
		return nil, apperrors.NewValidationError("duration", "must be positive")
	}
	now := m.now()
	j, err := m.store.UpdateLeased(ctx, jobID, workerID, now, func(j *models.Job) error {
		expires := now.Add(d)
		j.LeaseExpiresAt = &expires
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extend lease on job %s: %w", jobID, err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":          j.ID,
		"workerId":       workerID,
		"leaseExpiresAt": j.LeaseExpiresAt,
	}).Debug("Lease extended")
	return j, nil
}

// ReclaimOrphans fails every lease that expired before now with a transient
// "lease expired" error and returns how many were reclaimed.
func (m *Manager) ReclaimOrphans(ctx context.Context) (int, error) {
	logger := logging.FromContext(ctx)
	total := 0
	for {
		now := m.now()
		n, err := m.store.ReclaimExpired(ctx, now, m.cfg.ReclaimBatch, func(j *models.Job) {
			previous := ""
			if j.LeasedBy != nil {
				previous = *j.LeasedBy
			}
			m.applyFailure(j, now, LeaseExpiredError, false)
			m.logFailure(ctx, j, previous, LeaseExpiredError, false)
		})
		total += n
		if err != nil {
			return total, fmt.Errorf("failed to reclaim orphaned leases: %w", err)
		}
		if n < m.cfg.ReclaimBatch {
			break
		}
	}

	if total > 0 {
		logger.WithField("count", total).Info("Reclaimed orphaned leases")
	}
	return total, nil
}

// Get returns a job by id
func (m *Manager) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return m.store.Get(ctx, jobID)
}

// List returns jobs matching filter
func (m *Manager) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperrors.NewValidationError("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	return m.store.List(ctx, filter)
}

// Stats summarizes the queue
func (m *Manager) Stats(ctx context.Context) (*models.QueueStats, error) {
	return m.store.Stats(ctx, m.now())
}

// PurgeFinished deletes completed jobs older than retention. Dead jobs are kept.
func (m *Manager) PurgeFinished(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := m.store.PurgeFinished(ctx, m.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge finished jobs: %w", err)
	}
	if n > 0 {
		logging.FromContext(ctx).WithField("count", n).Info("Purged completed jobs")
	}
	return n, nil
}
