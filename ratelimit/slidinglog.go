package ratelimit

import (
	"context"
	"time"

	"github.com/nhalm/admit/store"
	"github.com/nhalm/admit/window"
)

// SlidingLog keeps one timestamp per admitted request and admits while fewer
// than limit fall inside the trailing window. It is exact at the cost of
// storage proportional to the limit.
type SlidingLog struct {
	store  store.Store
	policy window.Policy
	limit  int64
}

// NewSlidingLog returns a sliding log strategy over a trailing window of
// p.Size().
func NewSlidingLog(st store.Store, p window.Policy, limit int64) *SlidingLog {
	return &SlidingLog{store: st, policy: p, limit: limit}
}

func (s *SlidingLog) Algorithm() Algorithm { return SlidingLogAlgorithm }

func (s *SlidingLog) Evaluate(ctx context.Context, resourceID, callerID string, now time.Time) (Decision, error) {
	key := s.policy.Key(string(SlidingLogAlgorithm), resourceID, callerID)

	res, err := s.store.AppendLogEntry(ctx, key, s.policy.Size(), s.limit, now)
	if err != nil {
		return Decision{}, err
	}

	return newDecision(!res.Admitted, s.limit, res.Count, res.ResetAt, now), nil
}
