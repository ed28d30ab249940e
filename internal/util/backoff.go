package util

import (
	"math"
	"math/rand"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating instead of overflowing.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(multiplier)
}

// RetryDelay is the exponential delay for attempt, capped at maxDelay, with
// jitter over its upper half. The result is never below half the capped
// delay, so a retried row is never due again immediately.
func RetryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	delay := Exponential(base, attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}
