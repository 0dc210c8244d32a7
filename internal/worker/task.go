package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/models"
)

// Task is the handler's view of a leased job
type Task struct {
	Job      *models.Job
	WorkerID string

	leaser Leaser
	margin time.Duration

	mu    sync.Mutex
	timer *time.Timer
	ctx   context.Context
}

// Payload decodes the job payload into v. A malformed payload is a fatal error.
func (t *Task) Payload(v any) error {
	if err := json.Unmarshal(t.Job.Payload, v); err != nil {
		return apperrors.NewValidationError("payload", err.Error())
	}
	return nil
}

// Extend renews the lease to now+d and moves the execution deadline to
// d minus the pool's safety margin.
func (t *Task) Extend(ctx context.Context, d time.Duration) error {
	if d <= t.margin {
		return apperrors.NewValidationError("duration", fmt.Sprintf("must exceed the safety margin %v", t.margin))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx != nil && t.ctx.Err() != nil {
		return fmt.Errorf("cannot extend lease on job %s: %w", t.Job.ID, context.Cause(t.ctx))
	}

	j, err := t.leaser.ExtendLease(ctx, t.Job.ID, t.WorkerID, d)
	if err != nil {
		return err
	}
	t.Job.LeaseExpiresAt = j.LeaseExpiresAt
	if t.timer != nil {
		t.timer.Reset(d - t.margin)
	}
	return nil
}
