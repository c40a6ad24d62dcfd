package ble

import "time"

// backoffBase is the first readiness retry delay.
const backoffBase = 20 * time.Millisecond

// backoffDelay returns the retry delay for attempt n (0-based): backoffBase
// doubled per attempt, capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Cap the shift so 1<<attempt never overflows a Duration.
	if attempt > 30 {
		attempt = 30
	}
	delay := backoffBase << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
