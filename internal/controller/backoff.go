package controller

import (
	"math"
	"time"
)

// Backoff returns the wait before retry number attempt (1-based):
// base * multiplier^(attempt-1), capped at maxDelay when it is positive.
func Backoff(attempt int, base time.Duration, multiplier float64, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
