package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// IsRetryableError classifies whether a failed attempt may be retried.
// FlowErrors carry their own flag. Context cancellation is never retried
// because it means the run is being torn down. Anything else is retried and
// left to the attempt budget.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return true
}

// ComputeBackoff returns the delay before attempt+1 after attempt failed:
// backoff * 2^(attempt-1), scaled by a factor in [1-jitter, 1+jitter] drawn
// from rnd, and capped at MaxBackoffMs. rnd returns values in [0, 1).
func ComputeBackoff(policy schema.RetryPolicy, attempt int, rnd func() float64) time.Duration {
	if policy.BackoffMs <= 0 || attempt < 1 {
		return 0
	}
	delay := float64(policy.BackoffMs) * math.Pow(2, float64(attempt-1))

	if j := policy.JitterRatio; j > 0 && rnd != nil {
		if j > 1 {
			j = 1
		}
		delay *= 1 + j*(2*rnd()-1)
	}
	if policy.MaxBackoffMs > 0 && delay > float64(policy.MaxBackoffMs) {
		delay = float64(policy.MaxBackoffMs)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}

// WaitForBackoff sleeps for delay. It returns early with false when wake
// fires, and with ctx.Err() when the context ends.
func WaitForBackoff(ctx context.Context, delay time.Duration, wake <-chan struct{}) (bool, error) {
	if delay <= 0 {
		return true, nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true, nil
	case <-wake:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
