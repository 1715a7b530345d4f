package store

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

const (
	defaultShards        = 256
	defaultLockTimeout   = 500 * time.Millisecond
	defaultSweepInterval = time.Minute
)

// memoryEntry holds all state for one key. The lock field serializes every
// operation on the key; refs is guarded by the owning shard's mutex and counts
// goroutines holding or waiting for the lock.
type memoryEntry struct {
	lock chan struct{}
	refs int

	count       int64
	windowStart time.Time
	log         []time.Time
	tokens      float64
	lastRefill  time.Time
	expiration  time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// Memory is an in-memory implementation of Store.
//
// Keys are spread over a fixed number of shards by hash. A shard's mutex is held
// only long enough to find or create a key's entry; the entry's own lock is then
// held for the whole read-modify-write. Evaluations for different keys never
// wait on each other's critical sections.
//
// A background goroutine evicts expired entries (and their locks) that no
// goroutine currently references, which bounds memory under high key
// cardinality.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Each process keeps its own counters, so limits are not shared across
// instances. Use Redis when several processes must share one quota.
type Memory struct {
	shards        []*memoryShard
	lockTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	closed    atomic.Bool
	closeOnce sync.Once
	stopCh    chan struct{}
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithShards sets the number of lock shards (default 256).
func WithShards(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.shards = make([]*memoryShard, n)
		}
	}
}

// WithLockTimeout bounds how long an operation waits for a key's lock before
// failing with ErrContention (default 500ms).
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// WithSweepInterval sets how often expired entries are evicted (default 1m).
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithMemoryClock sets the clock used for entry expiry. Rate limit arithmetic
// always uses the now passed to each operation. Plain counters carry no
// evaluation time, so the ttl of IncrementCounter and the expiry check of
// GetCounter run on this clock alone, as Redis runs them on its server clock.
// Callers that inject an evaluation clock should pass the same one here.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates a new in-memory store and starts its sweep goroutine.
//
// Important: You must call Close() when done to stop the sweep goroutine.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		shards:        make([]*memoryShard, defaultShards),
		lockTimeout:   defaultLockTimeout,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{entries: make(map[string]*memoryEntry)}
	}

	go m.cleanup()
	return m
}

func (m *Memory) shardFor(key string) *memoryShard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// acquire returns the key's entry with its lock held, and the function that
// releases it. The wait is bounded by ctx and the contention timeout.
func (m *Memory) acquire(ctx context.Context, key string) (*memoryEntry, func(), error) {
	if m.closed.Load() {
		return nil, nil, ErrClosed
	}

	s := m.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &memoryEntry{lock: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	deref := func() {
		s.mu.Lock()
		e.refs--
		s.mu.Unlock()
	}

	select {
	case e.lock <- struct{}{}:
	default:
		timer := time.NewTimer(m.lockTimeout)
		defer timer.Stop()

		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			deref()
			return nil, nil, ctx.Err()
		case <-timer.C:
			deref()
			return nil, nil, fmt.Errorf("%w: key %q after %s", ErrContention, key, m.lockTimeout)
		}
	}

	return e, func() {
		<-e.lock
		deref()
	}, nil
}

// IncrementWindowed atomically increments the windowed counter for key.
// The window restarts at now when the stored one has elapsed.
func (m *Memory) IncrementWindowed(ctx context.Context, key string, window time.Duration, now time.Time) (WindowCount, error) {
	e, unlock, err := m.acquire(ctx, key)
	if err != nil {
		return WindowCount{}, err
	}
	defer unlock()

	if e.windowStart.IsZero() || !now.Before(e.windowStart.Add(window)) {
		e.count = 0
		e.windowStart = now
	}
	e.count++
	e.expiration = m.now().Add(window)

	return WindowCount{Count: e.count, ResetAt: e.windowStart.Add(window)}, nil
}

// AppendLogEntry prunes, counts and conditionally appends under the key's lock.
// The log is kept sorted so callers that read the clock before waiting on the
// lock cannot leave it out of order.
func (m *Memory) AppendLogEntry(ctx context.Context, key string, window time.Duration, limit int64, now time.Time) (LogResult, error) {
	e, unlock, err := m.acquire(ctx, key)
	if err != nil {
		return LogResult{}, err
	}
	defer unlock()

	cutoff := now.Add(-window)
	if i := sort.Search(len(e.log), func(i int) bool { return e.log[i].After(cutoff) }); i > 0 {
		e.log = slices.Delete(e.log, 0, i)
	}

	res := LogResult{Count: int64(len(e.log))}
	if res.Count < limit {
		pos := sort.Search(len(e.log), func(i int) bool { return e.log[i].After(now) })
		e.log = slices.Insert(e.log, pos, now)
		res.Admitted = true
		res.Count++
	}

	res.ResetAt = now.Add(window)
	if len(e.log) > 0 {
		res.ResetAt = e.log[0].Add(window)
	}
	e.expiration = m.now().Add(window)

	return res, nil
}

// IncrementCounter atomically increments a plain counter.
func (m *Memory) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	e, unlock, err := m.acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	now := m.now()
	if !e.expiration.IsZero() && now.After(e.expiration) {
		e.count = 0
	}
	if e.count == 0 {
		e.expiration = now.Add(ttl)
	}
	e.count++

	return e.count, nil
}

// GetCounter returns the value of a plain counter. Expired counters read as 0.
func (m *Memory) GetCounter(ctx context.Context, key string) (int64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}

	s := m.shardFor(key)
	s.mu.Lock()
	_, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return 0, nil
	}

	e, unlock, err := m.acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if e.expiration.IsZero() || m.now().After(e.expiration) {
		return 0, nil
	}
	return e.count, nil
}

// RefillAndConsumeToken refills the bucket lazily from elapsed time and consumes
// one whole token if available. Limited calls do not modify the bucket.
func (m *Memory) RefillAndConsumeToken(ctx context.Context, key string, refillRate float64, capacity int64, now time.Time) (TokenResult, error) {
	e, unlock, err := m.acquire(ctx, key)
	if err != nil {
		return TokenResult{}, err
	}
	defer unlock()

	if e.lastRefill.IsZero() {
		e.tokens = float64(capacity)
		e.lastRefill = now
		e.expiration = m.now().Add(refillRetention(capacity, refillRate))
	}

	tokens := e.tokens
	if elapsed := now.Sub(e.lastRefill); elapsed > 0 {
		tokens = math.Min(float64(capacity), tokens+elapsed.Seconds()*refillRate)
	}

	if tokens < 1 {
		return TokenResult{Limited: true, Tokens: tokens}, nil
	}

	e.tokens = tokens - 1
	if now.After(e.lastRefill) {
		e.lastRefill = now
	}
	e.expiration = m.now().Add(refillRetention(capacity, refillRate))

	return TokenResult{Tokens: e.tokens}, nil
}

// Close stops the background sweep goroutine and releases resources.
// Operations after Close return ErrClosed.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.stopCh)
	})
	return nil
}

// runCleanup executes a single sweep, evicting expired entries nobody holds.
// This is exposed for testing purposes to trigger cleanup without waiting for the ticker.
func (m *Memory) runCleanup() int {
	now := m.now()
	evicted := 0

	for _, s := range m.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if e.refs == 0 && (e.expiration.IsZero() || now.After(e.expiration)) {
				delete(s.entries, key)
				evicted++
			}
		}
		s.mu.Unlock()
	}

	return evicted
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.runCleanup(); n > 0 {
				log.Debug().Int("evicted", n).Msg("memory store swept expired entries")
			}
		case <-m.stopCh:
			return
		}
	}
}

// entryCount returns the number of live entries across shards.
func (m *Memory) entryCount() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// refillRetention is how long an idle bucket is kept: the time to refill from
// empty to full, plus a second of slack. Once that has elapsed the bucket would
// be full anyway, so dropping it loses nothing.
func refillRetention(capacity int64, refillRate float64) time.Duration {
	if refillRate <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(float64(capacity)/refillRate*float64(time.Second)) + time.Second
}
