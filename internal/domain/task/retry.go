package task

// MaxRetriesLimit is the upper bound operators may configure for retries.
const MaxRetriesLimit = 10

// ClampMaxRetries bounds a configured retry budget to [0, MaxRetriesLimit].
func ClampMaxRetries(n int) int {
	switch {
	case n < 0:
		return 0
	case n > MaxRetriesLimit:
		return MaxRetriesLimit
	}
	return n
}

// ShouldRetry reports whether a reported status sends the task back to QUEUED
// instead of being accepted.
func ShouldRetry(reported Status, attempts, maxAttempts int) bool {
	return reported.IsFailure() && attempts < maxAttempts
}
