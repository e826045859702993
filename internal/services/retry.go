package services

import (
	"context"
	"math"
	"time"

	"donation-api/pkg/logging"
)

// RetryPolicy configures the donation retry wrapper
type RetryPolicy struct {
	// MaxAttempts counts the first call
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64

	// Sleep waits between attempts; nil uses a context-aware timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 3 attempts starting at 1s and doubling
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
	}
}

// Delay returns the wait after the given failed attempt (1-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn until it succeeds, fails with a non-retryable PaymentError, or the attempts
// run out. Errors that are not PaymentErrors are treated as unknown_error. The last error is
// returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr *PaymentError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}

		lastErr = AsPaymentError(err)
		if !lastErr.Retryable() {
			return zero, lastErr
		}
		if attempt == maxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		logging.Warnf("Attempt %d/%d failed with %s, retrying in %v", attempt, maxAttempts, lastErr.Code, delay)

		if err := policy.sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	logging.Errorf("All %d attempts failed, last error: %v", maxAttempts, lastErr)
	return zero, lastErr
}
