package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/syncqueue/internal/logging"
)

// Backoff computes retry delays as min(Base * 2^(n-1), Cap), scaled by a
// random factor in [1-Jitter, 1+Jitter].
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
	// Rand returns a float in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultBackoff returns the queue's retry schedule: 1m, 2m, 4m ... capped at 30m, +/-20%.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Minute,
		Cap:    30 * time.Minute,
		Jitter: 0.2,
	}
}

// Exact returns the un-jittered delay before retry number n (n >= 1).
func (b Backoff) Exact(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(n-1))
	if b.Cap > 0 && delay > float64(b.Cap) {
		delay = float64(b.Cap)
	}
	return time.Duration(delay)
}

// Delay returns the jittered delay before retry number n.
func (b Backoff) Delay(n int) time.Duration {
	exact := b.Exact(n)
	if b.Jitter <= 0 {
		return exact
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := 1 + b.Jitter*(2*r()-1)
	return time.Duration(float64(exact) * factor)
}

// RetryConfig configures bounded in-process retries, used for startup
// connections. Queue jobs never retry in-process; the lease manager reschedules them.
type RetryConfig struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultRetryConfig returns a default retry configuration
// Pattern: 1s, 2s, 4s, 8s, max 30s
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 5,
		Backoff:     Backoff{Base: time.Second, Cap: 30 * time.Second, Jitter: 0.2},
	}
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// WithExponentialBackoff executes a function with exponential backoff retry logic
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	startTime := time.Now()
	result := &RetryResult{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(startTime)
			if attempt > 1 {
				logger.WithField("attempts", attempt).Info("Operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if attempt >= config.MaxAttempts {
			logger.WithFields(map[string]interface{}{
				"attempts": attempt,
				"error":    err.Error(),
			}).Error("Operation failed after max retry attempts")
			break
		}

		delay := config.Backoff.Delay(attempt)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": config.MaxAttempts,
			"delay":       delay.String(),
			"error":       err.Error(),
		}).Warn("Operation failed, retrying with exponential backoff")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// WithRetry runs fn with the default configuration and returns the last error on failure
func WithRetry(ctx context.Context, fn RetryFunc) error {
	result := WithExponentialBackoff(ctx, DefaultRetryConfig(), fn)
	if !result.Success {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return nil
}
