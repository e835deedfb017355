package backoff

import (
	"context"
	"time"
)

// SleepWithContext sleeps for duration, returning early with ctx.Err()
// if the completion's wall-clock budget or a cancellation fires first.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepWithBackoff paces the attempt-th retry of a Model Adapter call:
// it computes the backoff for attempt under policy and sleeps that long,
// honoring ctx the same way SleepWithContext does.
func SleepWithBackoff(ctx context.Context, policy BackoffPolicy, attempt int) error {
	duration := ComputeBackoff(policy, attempt)
	return SleepWithContext(ctx, duration)
}
