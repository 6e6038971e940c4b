package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/stategraph/pkg/schema"
)

const (
	defaultRetryDelay      = time.Second
	defaultRetryMultiplier = 2.0
)

// IsRetryableError reports whether a node failure is worth retrying.
// Structured errors carry their own classification; plain errors are assumed
// transient.
func IsRetryableError(err error) bool {
	var gerr *schema.GraphError
	if errors.As(err, &gerr) {
		return gerr.IsRetryable()
	}
	return err != nil
}

// retryDelay computes the backoff before the given attempt (1-based: the
// delay after attempt n failed). Exponential from the policy's initial delay.
func retryDelay(policy *schema.RetryPolicy, attempt int) time.Duration {
	delay := defaultRetryDelay
	if policy != nil && policy.Delay != "" {
		if d, err := time.ParseDuration(policy.Delay); err == nil && d > 0 {
			delay = d
		}
	}
	multiplier := defaultRetryMultiplier
	if policy != nil && policy.Multiplier > 0 {
		multiplier = policy.Multiplier
	}
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
	}
	return delay
}

// maxAttempts returns the total attempt budget, including the first try.
func maxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts <= 0 {
		return 1
	}
	return policy.MaxAttempts
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
