package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/syncqueue/internal/logging"
)

// Reclaimer returns orphaned leases to the queue
type Reclaimer interface {
	ReclaimOrphans(ctx context.Context) (int, error)
}

// Reaper calls ReclaimOrphans on its own interval so that jobs held by
// crashed workers make progress even when no worker is polling.
type Reaper struct {
	reclaimer Reclaimer
	interval  time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReaper creates a reaper. The interval is normally the lease duration.
func NewReaper(reclaimer Reclaimer, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reaper{reclaimer: reclaimer, interval: interval}
}

// Start launches the reconciliation loop
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reaper is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	logging.FromContext(ctx).WithField("interval", r.interval.String()).Info("Starting lease reaper")
	go r.loop(ctx, r.stopCh, r.doneCh)
	return nil
}

// Stop halts the loop and waits for an in-progress sweep
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.doneCh
	r.mu.Unlock()
	<-done
}

func (r *Reaper) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logging.FromContext(ctx).WithError(err).Warn("Lease reclamation failed")
			}
		}
	}
}

// RunOnce performs a single sweep
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	return r.reclaimer.ReclaimOrphans(ctx)
}
