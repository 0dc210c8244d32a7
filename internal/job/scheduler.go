package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syncqueue/internal/logging"
)

// Recurring describes a job type enqueued on a fixed interval
type Recurring struct {
	JobType  string
	Payload  json.RawMessage
	Interval time.Duration
}

// Scheduler enqueues recurring jobs. A tick is skipped while a pending or
// leased job of the same type exists, so slow runs never pile up.
type Scheduler struct {
	manager   *Manager
	store     Store
	recurring []Recurring

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler for the given recurring jobs
func NewScheduler(manager *Manager, store Store, recurring ...Recurring) *Scheduler {
	return &Scheduler{
		manager:   manager,
		store:     store,
		recurring: recurring,
		stopCh:    make(chan struct{}),
	}
}

// Start launches one ticker per recurring job. Each enqueues immediately and then on every tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	for _, r := range s.recurring {
		if r.JobType == "" || r.Interval <= 0 {
			return fmt.Errorf("invalid recurring job %q: interval %v", r.JobType, r.Interval)
		}
	}
	s.started = true
	s.stopCh = make(chan struct{})

	for _, r := range s.recurring {
		s.wg.Add(1)
		go s.loop(ctx, r)
	}
	return nil
}

// Stop halts the tickers and waits for them to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, r Recurring) {
	defer s.wg.Done()

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	s.Tick(ctx, r)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx, r)
		}
	}
}

// Tick enqueues r unless an active job of its type exists. It reports whether a job was enqueued.
func (s *Scheduler) Tick(ctx context.Context, r Recurring) bool {
	logger := logging.FromContext(ctx).WithField("jobType", r.JobType)

	active, err := s.store.CountActive(ctx, r.JobType)
	if err != nil {
		logger.WithError(err).Warn("Failed to count active jobs, skipping tick")
		return false
	}
	if active > 0 {
		logger.WithField("active", active).Debug("Recurring job still active, skipping tick")
		return false
	}

	j, err := s.manager.Enqueue(ctx, EnqueueInput{JobType: r.JobType, Payload: r.Payload})
	if err != nil {
		logger.WithError(err).Error("Failed to enqueue recurring job")
		return false
	}
	logger.WithField("jobId", j.ID).Info("Recurring job enqueued")
	return true
}
