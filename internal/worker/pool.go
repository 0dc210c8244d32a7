package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/logging"
	"github.com/syncqueue/internal/models"
)

// Leaser is the part of the lease manager the pool needs
type Leaser interface {
	ClaimNext(ctx context.Context, workerID string, jobTypes ...string) (*models.Job, error)
	Complete(ctx context.Context, jobID, workerID string) (*models.Job, error)
	Fail(ctx context.Context, jobID, workerID string, cause error, fatal bool) (*models.Job, error)
	ExtendLease(ctx context.Context, jobID, workerID string, d time.Duration) (*models.Job, error)
	LeaseDuration() time.Duration
}

// State is a worker's position in its poll loop
type State string

const (
	StateIdle       State = "idle"
	StatePolling    State = "polling"
	StateExecuting  State = "executing"
	StateCompleting State = "completing"
	StateFailing    State = "failing"
	StateStopped    State = "stopped"
)

// ErrExecutionTimeout is the cancel cause when a handler overruns its lease budget
var ErrExecutionTimeout = errors.New("execution timeout")

// finalizeTimeout bounds complete/fail calls, which run even after shutdown begins
const finalizeTimeout = 10 * time.Second

// PoolConfig configures a worker pool
type PoolConfig struct {
	Workers int
	// WorkerID prefixes each worker's identity; worker i is "<WorkerID>-<i>".
	WorkerID     string
	PollInterval time.Duration
	// SafetyMargin is subtracted from the lease to get a handler's time budget.
	SafetyMargin time.Duration
	// JobTypes restricts claims; empty claims every type.
	JobTypes []string
}

// WorkerStatus describes one worker
type WorkerStatus struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	JobID     string    `json:"jobId,omitempty"`
	JobType   string    `json:"jobType,omitempty"`
	Since     time.Time `json:"since"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
}

type slot struct {
	mu     sync.Mutex
	status WorkerStatus
}

func (s *slot) set(state State, j *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
	s.status.Since = time.Now()
	if j != nil {
		s.status.JobID = j.ID
		s.status.JobType = j.JobType
	} else {
		s.status.JobID = ""
		s.status.JobType = ""
	}
}

func (s *slot) record(completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if completed {
		s.status.Completed++
	} else {
		s.status.Failed++
	}
}

func (s *slot) snapshot() WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Pool runs independent pollers that claim, execute and finalize jobs
type Pool struct {
	leaser   Leaser
	registry *Registry
	cfg      PoolConfig
	slots    []*slot

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates a pool. The safety margin must leave a positive execution budget.
func NewPool(leaser Leaser, registry *Registry, cfg PoolConfig) (*Pool, error) {
	if leaser == nil {
		return nil, fmt.Errorf("lease manager cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	if cfg.SafetyMargin < 0 || cfg.SafetyMargin >= leaser.LeaseDuration() {
		return nil, fmt.Errorf("safety margin %v must be below the lease duration %v",
			cfg.SafetyMargin, leaser.LeaseDuration())
	}

	slots := make([]*slot, cfg.Workers)
	for i := range slots {
		slots[i] = &slot{status: WorkerStatus{
			ID:    fmt.Sprintf("%s-%d", cfg.WorkerID, i),
			State: StateIdle,
			Since: time.Now(),
		}}
	}
	return &Pool{
		leaser:   leaser,
		registry: registry,
		cfg:      cfg,
		slots:    slots,
	}, nil
}

// Start launches the workers. Handlers run under ctx; cancel it only after Stop returns.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"workers":      p.cfg.Workers,
		"pollInterval": p.cfg.PollInterval.String(),
		"jobTypes":     p.cfg.JobTypes,
	}).Info("Starting worker pool")

	for _, s := range p.slots {
		p.wg.Add(1)
		go p.run(ctx, s)
	}
	return nil
}

// Stop signals the workers and waits for in-flight jobs to finish
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool is not running")
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.FromContext(ctx).Info("Worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		logging.FromContext(ctx).Warn("Worker pool stop timed out")
		return ctx.Err()
	}
}

// Status returns a snapshot of every worker
func (p *Pool) Status() []WorkerStatus {
	out := make([]WorkerStatus, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.snapshot()
	}
	return out
}

func (p *Pool) run(ctx context.Context, s *slot) {
	defer p.wg.Done()
	defer s.set(StateStopped, nil)

	stopCh := p.stopCh
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if p.pollOnce(ctx, s) {
			continue
		}

		timer.Reset(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
		}
	}
}

// pollOnce claims and executes at most one job. It reports whether a job was found.
func (p *Pool) pollOnce(ctx context.Context, s *slot) bool {
	workerID := s.snapshot().ID
	logger := logging.FromContext(ctx).WithField("workerId", workerID)

	s.set(StatePolling, nil)
	j, err := p.leaser.ClaimNext(ctx, workerID, p.cfg.JobTypes...)
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Warn("Failed to claim job")
		}
		s.set(StateIdle, nil)
		return false
	}
	if j == nil {
		s.set(StateIdle, nil)
		return false
	}

	p.execute(ctx, s, workerID, j)
	s.set(StateIdle, nil)
	return true
}

func (p *Pool) execute(ctx context.Context, s *slot, workerID string, j *models.Job) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"workerId": workerID,
		"jobId":    j.ID,
		"jobType":  j.JobType,
		"attempts": j.Attempts,
	})

	handler, ok := p.registry.Lookup(j.JobType)
	if !ok {
		s.set(StateFailing, j)
		p.fail(ctx, s, logger, j, workerID, fmt.Errorf("no handler registered for job type %q", j.JobType), true)
		return
	}

	s.set(StateExecuting, j)
	budget := p.leaser.LeaseDuration() - p.cfg.SafetyMargin
	execCtx, cancel := context.WithCancelCause(logging.WithLogger(ctx, logger))
	defer cancel(nil)

	task := &Task{Job: j, WorkerID: workerID, leaser: p.leaser, margin: p.cfg.SafetyMargin, ctx: execCtx}
	task.mu.Lock()
	task.timer = time.AfterFunc(budget, func() { cancel(ErrExecutionTimeout) })
	task.mu.Unlock()

	started := time.Now()
	panicked, err := invoke(execCtx, handler, task)

	task.mu.Lock()
	task.timer.Stop()
	task.mu.Unlock()

	logger = logger.WithField("duration", time.Since(started).String())
	if err == nil {
		s.set(StateCompleting, j)
		p.complete(ctx, s, logger, j, workerID)
		return
	}

	s.set(StateFailing, j)
	fatal := panicked
	if errors.Is(context.Cause(execCtx), ErrExecutionTimeout) {
		err = apperrors.NewTransientError(fmt.Sprintf("%v after %v", ErrExecutionTimeout, budget), err)
	} else if !panicked {
		fatal = apperrors.IsFatal(err)
	}
	p.fail(ctx, s, logger, j, workerID, err, fatal)
}

// invoke runs the handler, turning a panic into an error
func invoke(ctx context.Context, h Handler, task *Task) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("handler panic: %v", r)
			logging.FromContext(ctx).WithField("stack", string(debug.Stack())).Error("Handler panicked")
		}
	}()
	return false, h(ctx, task)
}

func (p *Pool) complete(ctx context.Context, s *slot, logger *logging.Logger, j *models.Job, workerID string) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if _, err := p.leaser.Complete(fctx, j.ID, workerID); err != nil {
		if apperrors.IsNotFound(err) {
			logger.Warn("Lease lost before completion, result discarded")
			return
		}
		logger.WithError(err).Error("Failed to complete job")
		return
	}
	s.record(true)
}

func (p *Pool) fail(ctx context.Context, s *slot, logger *logging.Logger, j *models.Job, workerID string, cause error, fatal bool) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	s.record(false)
	if _, err := p.leaser.Fail(fctx, j.ID, workerID, cause, fatal); err != nil {
		if apperrors.IsNotFound(err) {
			logger.Warn("Lease lost before failure was recorded")
			return
		}
		logger.WithError(err).Error("Failed to record job failure")
	}
}
