package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Exponential returns a jittered exponential backoff. A zero maxElapsed never
// gives up on its own; callers bound it with WithMaxRetries or a context.
func Exponential(initial, max time.Duration, multiplier float64, maxElapsed time.Duration) backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(max),
		backoff.WithMultiplier(multiplier),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
}

// Delay is the unjittered wait before retry number attempt (zero based),
// capped at max. Pollers use it where a stateful BackOff is unnecessary.
func Delay(attempt int, initial time.Duration, multiplier float64, max time.Duration) time.Duration {
	d := float64(initial) * math.Pow(multiplier, float64(attempt))
	if d > float64(max) || math.IsInf(d, 0) {
		return max
	}
	return time.Duration(d)
}
