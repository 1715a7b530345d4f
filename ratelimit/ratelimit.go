// Package ratelimit decides whether a request may proceed under a configured
// quota.
//
// A Limiter is built once from a Config and a set of stores, then evaluated
// per request with a resource identifier (typically the API path) and a caller
// identifier (typically a client address or user ID):
//
//	local := store.NewMemory()
//	defer local.Close()
//
//	limiter, err := ratelimit.New(ratelimit.Config{
//		Algorithm:   ratelimit.FixedWindowAlgorithm,
//		Granularity: window.Minutely,
//		Limit:       100,
//		Store:       ratelimit.LocalStore,
//	}, ratelimit.Stores{Local: local})
//	if err != nil {
//		return err
//	}
//
//	d, err := limiter.Evaluate(ctx, "/orders", clientIP)
//
// Four algorithms are available. Fixed window is cheap but admits bursts of up
// to twice the limit across a window boundary. Sliding log is exact and stores
// one entry per admitted request. Sliding counter approximates a sliding window
// with two counters. Token bucket allows bursts up to the limit and refills at
// a steady rate.
//
// An evaluation that fails returns an error and no decision. Store outages
// surface as errors wrapping store.ErrUnavailable; whether to admit or reject
// in that case is up to the caller.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nhalm/admit/store"
)

var tracer = otel.Tracer("github.com/nhalm/admit/ratelimit")

// Strategy is one limiting algorithm bound to a store and window policy.
// Implementations must be safe for concurrent use.
type Strategy interface {
	Algorithm() Algorithm
	Evaluate(ctx context.Context, resourceID, callerID string, now time.Time) (Decision, error)
}

// Stores holds the stores a Limiter may select from. Only the one named by
// Config.Store needs to be set.
type Stores struct {
	Local  store.Store
	Remote store.Store
}

// Limiter evaluates requests against one Config. It is immutable after New and
// safe for concurrent use.
type Limiter struct {
	config   Config
	strategy Strategy
	now      func() time.Time
	metrics  *Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source. Each evaluation reads it exactly once.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithMetrics records decisions, errors and latency in m.
func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// New validates cfg and binds the configured algorithm to its store and window
// policy. Every configuration problem is reported here as a *ConfigError;
// nothing is defaulted silently.
//
// Options:
//   - WithClock: Time source (default: time.Now)
//   - WithMetrics: Prometheus collectors (default: none)
func New(cfg Config, stores Stores, opts ...Option) (*Limiter, error) {
	r, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	var st store.Store
	switch r.store {
	case LocalStore:
		st = stores.Local
	case RemoteStore:
		st = stores.Remote
	}
	if st == nil {
		return nil, &ConfigError{
			Field: "store",
			Err:   fmt.Errorf("%w: %q", ErrStoreNotConfigured, string(r.store)),
		}
	}

	var strategy Strategy
	switch r.algorithm {
	case FixedWindowAlgorithm:
		strategy = NewFixedWindow(st, r.policy, r.limit)
	case SlidingLogAlgorithm:
		strategy = NewSlidingLog(st, r.policy, r.limit)
	case SlidingCounterAlgorithm:
		strategy = NewSlidingCounter(st, r.policy, r.limit)
	case TokenBucketAlgorithm:
		strategy = NewTokenBucket(st, r.policy, r.limit, r.refillRate)
	}

	l := &Limiter{
		config:   cfg,
		strategy: strategy,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the configuration the limiter was built from.
func (l *Limiter) Config() Config {
	return l.config
}

// Algorithm returns the limiter's algorithm.
func (l *Limiter) Algorithm() Algorithm {
	return l.strategy.Algorithm()
}

// Evaluate records one request by callerID against resourceID and reports
// whether it is limited. Errors from the store are returned wrapped; the
// returned Decision is the zero value in that case.
func (l *Limiter) Evaluate(ctx context.Context, resourceID, callerID string) (Decision, error) {
	algorithm := l.strategy.Algorithm()

	ctx, span := tracer.Start(ctx, "ratelimit.Evaluate",
		trace.WithAttributes(
			attribute.String("ratelimit.algorithm", string(algorithm)),
			attribute.String("ratelimit.resource", resourceID),
		),
	)
	defer span.End()

	began := time.Now()
	now := l.now()
	d, err := l.strategy.Evaluate(ctx, resourceID, callerID, now)
	l.metrics.observe(algorithm, d, err, time.Since(began))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).
			Str("algorithm", string(algorithm)).
			Str("resource", resourceID).
			Str("caller", callerID).
			Msg("rate limit evaluation failed")
		return Decision{}, fmt.Errorf("ratelimit: evaluate %s for %q: %w", algorithm, resourceID, err)
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.limited", d.Limited),
		attribute.Int64("ratelimit.remaining", d.Remaining),
	)

	if d.Limited {
		log.Warn().
			Str("algorithm", string(algorithm)).
			Str("resource", resourceID).
			Str("caller", callerID).
			Time("reset_at", d.ResetAt).
			Msg("rate limit exceeded")
	} else {
		log.Debug().
			Str("algorithm", string(algorithm)).
			Str("resource", resourceID).
			Str("caller", callerID).
			Int64("remaining", d.Remaining).
			Msg("request admitted")
	}

	return d, nil
}
