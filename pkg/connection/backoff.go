// Copyright 2024-2026 Aiku AI

package connection

import (
	"math"
	"time"
)

// Backoff returns the delay before reconnect attempt n (starting at 1). The
// delay grows linearly with the attempt number and is capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if max > 0 && base >= max {
		return max
	}
	delay := base * time.Duration(attempt)
	// Overflow guard.
	if delay/time.Duration(attempt) != base {
		if max <= 0 {
			return time.Duration(math.MaxInt64)
		}
		return max
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}
