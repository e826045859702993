package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
}

func TestRetry_SucceedsFirstTime(t *testing.T) {
	rec := &sleepRecorder{}
	policy := DefaultRetryPolicy()
	policy.Sleep = rec.sleep

	calls := 0
	got, err := Retry(context.Background(), policy, func(ctx context.Context, attempt int) (string, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	for _, code := range []ErrorCode{CodeUserCancelled, CodeDuplicatePayment} {
		t.Run(string(code), func(t *testing.T) {
			rec := &sleepRecorder{}
			policy := DefaultRetryPolicy()
			policy.Sleep = rec.sleep

			calls := 0
			_, err := Retry(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
				calls++
				return 0, NewPaymentError(code, nil)
			})

			assert.Equal(t, code, AsPaymentError(err).Code)
			assert.Equal(t, 1, calls)
			assert.Empty(t, rec.delays)
		})
	}
}

func TestRetry_NetworkErrorExhaustsAttempts(t *testing.T) {
	rec := &sleepRecorder{}
	policy := DefaultRetryPolicy()
	policy.Sleep = rec.sleep

	calls := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, NewPaymentError(CodeNetworkError, errors.New("attempt failed"))
	})

	assert.Equal(t, CodeNetworkError, AsPaymentError(err).Code)
	assert.Equal(t, 3, calls)
	require.Len(t, rec.delays, 2)
	assert.Equal(t, time.Second, rec.delays[0])
	assert.Equal(t, 2*time.Second, rec.delays[1])
}

func TestRetry_ReturnsLastError(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.Sleep = (&sleepRecorder{}).sleep

	_, err := Retry(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
		if attempt < 3 {
			return 0, NewPaymentError(CodeNetworkError, nil)
		}
		return 0, NewPaymentError(CodePurchaseFailed, nil)
	})

	assert.Equal(t, CodePurchaseFailed, AsPaymentError(err).Code)
}

func TestRetry_PlainErrorsBecomeUnknown(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2}
	policy.Sleep = (&sleepRecorder{}).sleep

	calls := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, errors.New("boom")
	})

	assert.Equal(t, CodeUnknownError, AsPaymentError(err).Code)
	assert.Equal(t, 2, calls)
}

func TestRetry_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := DefaultRetryPolicy()
	policy.Sleep = (&sleepRecorder{}).sleep

	calls := 0
	_, err := Retry(ctx, policy, func(ctx context.Context, attempt int) (int, error) {
		calls++
		cancel()
		return 0, NewPaymentError(CodeNetworkError, nil)
	})

	assert.Equal(t, CodeNetworkError, AsPaymentError(err).Code)
	assert.Equal(t, 1, calls)
}

func TestRetry_DefaultSleepWaits(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, Multiplier: 2}

	start := time.Now()
	_, _ = Retry(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
		return 0, NewPaymentError(CodeNetworkError, nil)
	})
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
