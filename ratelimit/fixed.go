package ratelimit

import (
	"context"
	"time"

	"github.com/nhalm/admit/store"
	"github.com/nhalm/admit/window"
)

// FixedWindow counts requests per epoch-aligned window. Up to twice the limit
// may be admitted across a window boundary.
type FixedWindow struct {
	store  store.Store
	policy window.Policy
	limit  int64
}

// NewFixedWindow returns a fixed window strategy admitting limit requests per
// window of p.
func NewFixedWindow(st store.Store, p window.Policy, limit int64) *FixedWindow {
	return &FixedWindow{store: st, policy: p, limit: limit}
}

func (s *FixedWindow) Algorithm() Algorithm { return FixedWindowAlgorithm }

func (s *FixedWindow) Evaluate(ctx context.Context, resourceID, callerID string, now time.Time) (Decision, error) {
	key := s.policy.Key(string(FixedWindowAlgorithm), resourceID, callerID)
	bucket := s.policy.BucketKey(key, s.policy.Start(now))

	res, err := s.store.IncrementWindowed(ctx, bucket, s.policy.Size(), now)
	if err != nil {
		return Decision{}, err
	}

	return newDecision(res.Count > s.limit, s.limit, res.Count, s.policy.End(now), now), nil
}
