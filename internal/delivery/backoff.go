package delivery

import "time"

// BackoffBase is the delay after the first failed attempt.
const BackoffBase = 2 * time.Second

// BackoffCap bounds the delay regardless of attempt count.
const BackoffCap = 5 * time.Minute

// Backoff returns the retry delay after the given number of failed
// attempts: base doubled per attempt, capped. Pure function so the schedule
// is testable without a clock.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return BackoffBase
	}
	delay := BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= BackoffCap {
			return BackoffCap
		}
	}
	if delay > BackoffCap {
		return BackoffCap
	}
	return delay
}
