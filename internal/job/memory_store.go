package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/models"
)

// MemoryStore is a process-local Store. A single mutex serializes every
// operation, which gives the same exclusion guarantees as row locks.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job)}
}

var _ Store = (*MemoryStore)(nil)

// Insert stores a copy of job
func (s *MemoryStore) Insert(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return apperrors.NewFatalError(fmt.Sprintf("job %s already exists", job.ID), nil)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// ClaimNext leases the oldest claimable job
func (s *MemoryStore) ClaimNext(ctx context.Context, workerID string, now time.Time, lease time.Duration, jobTypes []string) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	types := make(map[string]bool, len(jobTypes))
	for _, t := range jobTypes {
		types[t] = true
	}

	var next *models.Job
	for _, j := range s.jobs {
		if len(types) > 0 && !types[j.JobType] {
			continue
		}
		if !j.IsClaimable(now) {
			continue
		}
		if next == nil || claimsBefore(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	if next.Status == models.JobStatusLeased {
		next.Attempts++
		msg := LeaseExpiredError
		next.LastError = &msg
	}
	expires := now.Add(lease)
	worker := workerID
	next.Status = models.JobStatusLeased
	next.LeasedBy = &worker
	next.LeaseExpiresAt = &expires
	next.UpdatedAt = now

	return next.Clone(), nil
}

func claimsBefore(a, b *models.Job) bool {
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	return a.ID < b.ID
}

// UpdateLeased applies fn to a job leased by workerID
func (s *MemoryStore) UpdateLeased(ctx context.Context, jobID, workerID string, now time.Time, fn func(*models.Job) error) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || !j.LeaseHeldBy(workerID) {
		return nil, apperrors.NewNotFoundError("leased job", jobID)
	}

	updated := j.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = now
	s.jobs[jobID] = updated
	return updated.Clone(), nil
}

// ReclaimExpired applies fn to expired leases, oldest expiry first
func (s *MemoryStore) ReclaimExpired(ctx context.Context, now time.Time, limit int, fn func(*models.Job)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*models.Job
	for _, j := range s.jobs {
		if j.LeaseExpired(now) {
			expired = append(expired, j)
		}
	}
	sort.Slice(expired, func(a, b int) bool {
		if !expired[a].LeaseExpiresAt.Equal(*expired[b].LeaseExpiresAt) {
			return expired[a].LeaseExpiresAt.Before(*expired[b].LeaseExpiresAt)
		}
		return expired[a].ID < expired[b].ID
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	for _, j := range expired {
		fn(j)
		j.UpdatedAt = now
	}
	return len(expired), nil
}

// Get returns a copy of the job
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, apperrors.NewNotFoundError("job", jobID)
	}
	return j.Clone(), nil
}

// List returns jobs matching filter in claim order
func (s *MemoryStore) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.JobType != "" && j.JobType != filter.JobType {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return claimsBefore(out[a], out[b]) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Stats counts jobs per status
func (s *MemoryStore) Stats(ctx context.Context, now time.Time) (*models.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &models.QueueStats{
		Counts:             make(map[models.JobStatus]int),
		DeadLetteredByType: make(map[string]int),
	}
	for _, j := range s.jobs {
		stats.Counts[j.Status]++
		switch {
		case j.Status == models.JobStatusPending:
			if stats.OldestPendingAt == nil || j.AvailableAt.Before(*stats.OldestPendingAt) {
				at := j.AvailableAt
				stats.OldestPendingAt = &at
			}
		case j.Status == models.JobStatusDead:
			stats.DeadLetteredByType[j.JobType]++
		case j.LeaseExpired(now):
			stats.ExpiredLeases++
		}
	}
	return stats, nil
}

// CountActive counts pending and leased jobs of jobType
func (s *MemoryStore) CountActive(ctx context.Context, jobType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.JobType != jobType {
			continue
		}
		if j.Status == models.JobStatusPending || j.Status == models.JobStatusLeased {
			n++
		}
	}
	return n, nil
}

// PurgeFinished removes completed jobs last touched before cutoff
func (s *MemoryStore) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Status == models.JobStatusCompleted && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
