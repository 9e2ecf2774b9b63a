package graph

import (
	"context"
	"math/rand"
	"time"
)

// Default retry pacing for intra-node retries. The spread keeps concurrent
// retries from synchronizing into a thundering herd against a struggling
// external service.
const (
	// DefaultRetryBase is the starting delay for intra-node retries.
	DefaultRetryBase = 1 * time.Second

	// DefaultRetryCap bounds the exponential growth of the retry delay.
	DefaultRetryCap = 30 * time.Second

	// jitterMin and jitterMax bound the random spread applied to each
	// delay, as a fraction of the computed delay. Jitter is always at
	// least 10% of the delay.
	jitterMin = 0.10
	jitterMax = 0.30
)

// computeBackoff calculates the delay before retrying a failed node
// execution using exponential backoff with proportional jitter.
//
// The delay is min(base * 2^attempt, cap), then widened by a random jitter
// in [10%, 30%) of the delay. attempt is zero-based (0 = first retry).
//
// Example delays with base=1s, cap=30s:
//   - attempt 0: 1s   + 0.1-0.3s
//   - attempt 1: 2s   + 0.2-0.6s
//   - attempt 2: 4s   + 0.4-1.2s
//   - attempt 5: 30s  + 3-9s (capped)
func computeBackoff(attempt int, base, cap time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if cap <= 0 {
		cap = DefaultRetryCap
	}

	// Shift overflows past 62 attempts; clamp well before that.
	delay := base
	for i := 0; i < attempt && delay < cap; i++ {
		delay *= 2
	}
	if delay > cap {
		delay = cap
	}

	var frac float64
	if rng != nil {
		frac = rng.Float64()
	} else {
		frac = rand.Float64() // #nosec G404 -- retry pacing, not security
	}
	jitter := time.Duration(float64(delay) * (jitterMin + frac*(jitterMax-jitterMin)))

	return delay + jitter
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
// Returns the context error when interrupted.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
