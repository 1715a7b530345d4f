package ratelimit

import "time"

// Decision is the outcome of one evaluation.
//
// Remaining is never negative and is always 0 when Limited is true.
// RetryAfter is ResetAt minus the evaluation time, floored at 0.
type Decision struct {
	Limited    bool
	Remaining  int64
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// newDecision assembles a Decision from the count a strategy observed.
func newDecision(limited bool, limit, observed int64, resetAt, now time.Time) Decision {
	remaining := max(0, limit-observed)
	if limited {
		remaining = 0
	}
	return Decision{
		Limited:    limited,
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    resetAt,
		RetryAfter: max(0, resetAt.Sub(now)),
	}
}
