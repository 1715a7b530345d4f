package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/nhalm/admit/store"
	"github.com/nhalm/admit/window"
)

// SlidingCounter approximates a sliding window from two fixed-window counters:
// the previous window's count weighted by how much of it still overlaps the
// trailing window, plus the current window's count.
//
// The read of the previous bucket and the increment of the current one are
// separate store calls, so concurrent callers may over-admit slightly.
type SlidingCounter struct {
	store  store.Store
	policy window.Policy
	limit  int64
}

// NewSlidingCounter returns a sliding counter strategy over windows of p.
func NewSlidingCounter(st store.Store, p window.Policy, limit int64) *SlidingCounter {
	return &SlidingCounter{store: st, policy: p, limit: limit}
}

func (s *SlidingCounter) Algorithm() Algorithm { return SlidingCounterAlgorithm }

func (s *SlidingCounter) Evaluate(ctx context.Context, resourceID, callerID string, now time.Time) (Decision, error) {
	key := s.policy.Key(string(SlidingCounterAlgorithm), resourceID, callerID)
	start := s.policy.Start(now)
	end := start.Add(s.policy.Size())

	prev, err := s.store.GetCounter(ctx, s.policy.BucketKey(key, start.Add(-s.policy.Size())))
	if err != nil {
		return Decision{}, err
	}
	// The current bucket must outlive its own window so it can serve as the
	// previous bucket of the next one.
	cur, err := s.store.IncrementCounter(ctx, s.policy.BucketKey(key, start), 2*s.policy.Size())
	if err != nil {
		return Decision{}, err
	}

	prev = min(s.limit, prev)
	cur = min(s.limit+1, cur)

	weight := float64(end.Sub(now)) / float64(s.policy.Size())
	estimated := int64(math.Round(weight*float64(prev))) + cur

	return newDecision(estimated > s.limit, s.limit, estimated, end, now), nil
}
