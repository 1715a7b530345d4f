package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/nhalm/admit/store"
	"github.com/nhalm/admit/window"
)

// TokenBucket admits a request per whole token. The bucket holds at most
// limit tokens and refills continuously at refillRate tokens per second.
type TokenBucket struct {
	store      store.Store
	policy     window.Policy
	limit      int64
	refillRate float64
}

// NewTokenBucket returns a token bucket strategy with capacity limit. The
// policy only contributes to the key.
func NewTokenBucket(st store.Store, p window.Policy, limit int64, refillRate float64) *TokenBucket {
	return &TokenBucket{store: st, policy: p, limit: limit, refillRate: refillRate}
}

func (s *TokenBucket) Algorithm() Algorithm { return TokenBucketAlgorithm }

func (s *TokenBucket) Evaluate(ctx context.Context, resourceID, callerID string, now time.Time) (Decision, error) {
	key := s.policy.Key(string(TokenBucketAlgorithm), resourceID, callerID)

	res, err := s.store.RefillAndConsumeToken(ctx, key, s.refillRate, s.limit, now)
	if err != nil {
		return Decision{}, err
	}

	remaining := int64(math.Floor(res.Tokens))
	resetAt := now
	if res.Tokens < 1 && s.refillRate > 0 {
		wait := (1 - res.Tokens) / s.refillRate
		resetAt = now.Add(time.Duration(math.Ceil(wait * float64(time.Second))))
	}

	return newDecision(res.Limited, s.limit, s.limit-remaining, resetAt, now), nil
}
