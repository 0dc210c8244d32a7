package syncer

import (
	"context"
	"time"

	"github.com/syncqueue/internal/logging"
	"github.com/syncqueue/internal/worker"
)

// JobType is the queue job type served by the sync handler
const JobType = "sync"

// JobPayload is the payload of a sync job
type JobPayload struct {
	// Tables narrows the cycle; empty syncs every configured table.
	Tables []string `json:"tables,omitempty"`
}

// NewHandler adapts the engine into a worker handler. After every batch the
// handler renews its lease to leaseRenewal so long cycles keep their job.
func NewHandler(engine *Engine, leaseRenewal time.Duration) worker.Handler {
	return func(ctx context.Context, task *worker.Task) error {
		var payload JobPayload
		if len(task.Job.Payload) > 0 {
			if err := task.Payload(&payload); err != nil {
				return err
			}
		}

		opts := CycleOptions{Tables: payload.Tables}
		if leaseRenewal > 0 {
			opts.Heartbeat = func(ctx context.Context) error {
				return task.Extend(ctx, leaseRenewal)
			}
		}

		result, err := engine.RunCycle(ctx, opts)
		if result != nil {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"tables":  len(result.Tables),
				"skipped": result.Skipped,
			}).Info("Sync job finished cycle")
		}
		return err
	}
}
