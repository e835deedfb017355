package provider

import (
	"context"
	"time"

	"github.com/haasonsaas/rlm/internal/backoff"
)

// Base holds the retry configuration shared by every backend
// implementation, mirroring the teacher's BaseProvider.
type Base struct {
	Name       string
	MaxRetries int
	policy     backoff.BackoffPolicy
}

// NewBase returns a Base with the teacher's defaults (3 retries, 1s
// base delay, 2x exponential factor with jitter) applied when the
// caller passes non-positive values.
func NewBase(name string, maxRetries int, retryDelay time.Duration) Base {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	policy := backoff.DefaultPolicy()
	policy.InitialMs = float64(retryDelay.Milliseconds())
	return Base{Name: name, MaxRetries: maxRetries, policy: policy}
}

// Retry runs op up to MaxRetries+1 times with exponential backoff and
// jitter, stopping early when isRetryable(err) is false or the context
// is done.
func (b Base) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt < b.MaxRetries {
			if err := backoff.SleepWithBackoff(ctx, b.policy, attempt+1); err != nil {
				return err
			}
		}
	}
	return lastErr
}
