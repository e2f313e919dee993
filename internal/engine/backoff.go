package engine

import (
	"hash/fnv"
	"time"
)

const (
	// DefaultInitialBackoffMS is the first retry delay.
	DefaultInitialBackoffMS = 2000

	maxBackoff = 15 * time.Minute
)

// Backoff returns the delay before the next attempt after attemptNumber
// failures. The base doubles per attempt and is capped; a deterministic
// jitter of up to +10% of the base is derived from the attempt number, so
// the schedule is reproducible for a given initial value while still
// spreading retries. Monotonic: the base doubles while jitter adds at most
// 10%, so Backoff(initial, n+1) > Backoff(initial, n) until the cap.
func Backoff(initialMS int, attemptNumber int) time.Duration {
	if initialMS <= 0 {
		initialMS = DefaultInitialBackoffMS
	}
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	base := time.Duration(initialMS) * time.Millisecond
	for i := 1; i < attemptNumber; i++ {
		base *= 2
		if base >= maxBackoff {
			return maxBackoff
		}
	}

	jitter := time.Duration(float64(base) * 0.1 * jitterFraction(attemptNumber))
	d := base + jitter
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// jitterFraction maps an attempt number to a stable value in [0,1).
func jitterFraction(attemptNumber int) float64 {
	h := fnv.New32a()
	h.Write([]byte{byte(attemptNumber), byte(attemptNumber >> 8)})
	return float64(h.Sum32()%1000) / 1000.0
}
