package queue

import (
	"math"
	"time"
)

// Backoff returns the delay before the next attempt, given the number of
// attempts made so far
type Backoff func(attempts int) time.Duration

// Exponential returns base * 2^attempts, saturating instead of overflowing
func Exponential(base time.Duration) Backoff {
	return func(attempts int) time.Duration {
		if attempts < 0 {
			attempts = 0
		}
		d := base
		for i := 0; i < attempts; i++ {
			if d > math.MaxInt64/2 {
				return time.Duration(math.MaxInt64)
			}
			d *= 2
		}
		return d
	}
}

// Capped limits b to max
func Capped(b Backoff, max time.Duration) Backoff {
	if max <= 0 {
		return b
	}
	return func(attempts int) time.Duration {
		if d := b(attempts); d < max {
			return d
		}
		return max
	}
}

// DefaultBackoff is 5 minutes doubled per attempt
var DefaultBackoff = Exponential(5 * time.Minute)
