// Package store provides counter storage backends for rate limiting.
//
// Two implementations share the Store interface:
//
//   - Memory keeps state in process. Operations on one key are serialized by a
//     per-key lock; distinct keys proceed in parallel.
//   - Redis keeps state in a shared Redis. Every mutating operation runs as a
//     single Lua script, so no other client ever observes a half-applied update.
//
// Stores never decide whether a request is limited when they fail. A store that
// cannot be reached returns an error wrapping ErrUnavailable and the caller
// chooses whether to fail open or closed.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable reports that the backing store could not be reached or the
	// operation timed out.
	ErrUnavailable = errors.New("store unavailable")

	// ErrContention reports that a key's lock could not be acquired within the
	// configured contention timeout.
	ErrContention = errors.New("store key lock contention timeout")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// WindowCount is the result of IncrementWindowed.
type WindowCount struct {
	// Count is the post-increment count in the current window.
	Count int64
	// ResetAt is when the current window ends.
	ResetAt time.Time
}

// LogResult is the result of AppendLogEntry.
type LogResult struct {
	// Admitted reports whether now was appended to the log.
	Admitted bool
	// Count is the number of entries in the trailing window, including the
	// appended one when Admitted.
	Count int64
	// ResetAt is when the oldest logged entry leaves the trailing window.
	ResetAt time.Time
}

// TokenResult is the result of RefillAndConsumeToken.
type TokenResult struct {
	// Limited reports that no whole token was available.
	Limited bool
	// Tokens is the bucket balance after the operation.
	Tokens float64
}

// Store defines the interface for rate limit counter backends.
// Implementations must be safe for concurrent use. Each operation is atomic per
// key: it either applies completely or not at all.
//
// The now argument is the caller's clock reading for this evaluation. It is
// used for all time arithmetic so that one clock drives a whole evaluation.
// Key expiry is housekeeping and runs on the store's own clock, which also
// times the plain counters since they take no now.
type Store interface {
	// IncrementWindowed increments a window-scoped counter. When the stored
	// window started at least window ago (or no record exists), the count is
	// reset and the window restarts at now before incrementing.
	IncrementWindowed(ctx context.Context, key string, window time.Duration, now time.Time) (WindowCount, error)

	// AppendLogEntry drops log entries at or before now-window, counts the rest
	// and appends now only if the count is below limit. Prune, count and append
	// happen as one step.
	AppendLogEntry(ctx context.Context, key string, window time.Duration, limit int64, now time.Time) (LogResult, error)

	// IncrementCounter increments a plain counter and returns the new value.
	// The counter expires ttl after it is created.
	IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// GetCounter returns the value of a plain counter, or 0 if it does not exist.
	GetCounter(ctx context.Context, key string) (int64, error)

	// RefillAndConsumeToken refills a token bucket by the time elapsed since its
	// last refill (capped at capacity) and consumes one token if a whole token
	// is available. A limited call leaves the bucket unchanged. A missing
	// bucket starts full.
	RefillAndConsumeToken(ctx context.Context, key string, refillRate float64, capacity int64, now time.Time) (TokenResult, error)

	// Close releases any resources held by the store.
	Close() error
}
