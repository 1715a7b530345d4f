package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// windowedScript atomically increments a window-scoped counter held in a hash
// {start, count}. When the stored window has elapsed the window restarts at now.
// The expiry is relative to now so that a caller clock behind the Redis clock
// cannot expire the key early.
// ARGV: now (ms), window (ms). Returns {count, reset_at_ms}.
var windowedScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local count
if start == nil or now >= start + window then
    start = now
    count = 1
    redis.call('HSET', KEYS[1], 'start', start, 'count', 1)
else
    count = redis.call('HINCRBY', KEYS[1], 'count', 1)
end
redis.call('PEXPIRE', KEYS[1], start + window - now)
return {count, start + window}
`)

// logScript prunes, counts and conditionally appends to a sorted-set log in one
// step. Scores are millisecond timestamps; members carry a unique suffix.
// ARGV: now (ms), window (ms), limit, member. Returns {admitted, count, reset_at_ms}.
var logScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local admitted = 0
if count < limit then
    redis.call('ZADD', KEYS[1], now, ARGV[4])
    count = count + 1
    admitted = 1
end
local reset = now + window
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #oldest > 0 then
    reset = tonumber(oldest[2]) + window
end
redis.call('PEXPIRE', KEYS[1], window)
return {admitted, count, reset}
`)

// counterScript increments a plain counter and sets its expiry on creation.
// ARGV: ttl (ms). Returns the new count.
var counterScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// tokenScript refills a bucket held in a hash {tokens, ts} and consumes one
// token when a whole token is available. A limited call writes nothing.
// Tokens are returned as a string because Redis truncates Lua numbers to integers.
// ARGV: now (ms), refill rate (tokens/s), capacity, retention (ms).
// Returns {limited, tokens}.
var tokenScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = capacity
    ts = now
end
local elapsed = now - ts
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate / 1000)
end
if tokens < 1 then
    return {1, tostring(tokens)}
end
tokens = tokens - 1
if now > ts then
    ts = now
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', ts)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {0, tostring(tokens)}
`)

const (
	defaultRedisPrefix  = "ratelimit:"
	defaultRedisTimeout = 100 * time.Millisecond
)

// Redis is a Redis-backed implementation of Store suitable for distributed
// deployments. Every mutating operation is one Lua script, so the read, the
// decision and the write execute without other clients interleaving commands.
// Scripts run with EVALSHA and fall back to EVAL when Redis has not cached them.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	owned   bool
}

// RedisConfig holds configuration for Redis connection.
// All fields should be populated explicitly by your application code from environment
// variables, config files, or other sources. Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys to namespace rate limit data (default: "ratelimit:")
	Prefix string

	// Timeout bounds each store operation, including the script round trip (default: 100ms)
	Timeout time.Duration

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error wrapping
// ErrUnavailable if the connection cannot be established within 5 seconds.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:     "localhost:6379",
//		Prefix:  "ratelimit:",
//		Timeout: 50 * time.Millisecond,
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to connect to redis: %w", ErrUnavailable, err)
	}

	r := NewRedisFromClient(client, config.Prefix, config.Timeout)
	r.owned = true
	return r, nil
}

// NewRedisFromClient wraps an existing client (standalone, cluster or sentinel).
// The caller keeps ownership of the client; Close does not close it.
// Empty prefix and zero timeout select the defaults.
func NewRedisFromClient(client redis.UniversalClient, prefix string, timeout time.Duration) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &Redis{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
	}
}

// IncrementWindowed runs the windowed counter script.
func (r *Redis) IncrementWindowed(ctx context.Context, key string, window time.Duration, now time.Time) (WindowCount, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := windowedScript.Run(ctx, r.client, []string{r.prefix + key}, now.UnixMilli(), window.Milliseconds()).Int64Slice()
	if err != nil {
		return WindowCount{}, r.classify("increment windowed", key, err)
	}
	if len(result) != 2 {
		return WindowCount{}, fmt.Errorf("unexpected result length: got %d, want 2", len(result))
	}

	return WindowCount{Count: result[0], ResetAt: time.UnixMilli(result[1])}, nil
}

// AppendLogEntry runs the sliding log script. Each appended member is the
// timestamp plus a random UUID so that entries in the same millisecond stay
// distinct.
func (r *Redis) AppendLogEntry(ctx context.Context, key string, window time.Duration, limit int64, now time.Time) (LogResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	result, err := logScript.Run(ctx, r.client, []string{r.prefix + key}, nowMs, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return LogResult{}, r.classify("append log entry", key, err)
	}
	if len(result) != 3 {
		return LogResult{}, fmt.Errorf("unexpected result length: got %d, want 3", len(result))
	}

	return LogResult{
		Admitted: result[0] == 1,
		Count:    result[1],
		ResetAt:  time.UnixMilli(result[2]),
	}, nil
}

// IncrementCounter runs the plain counter script.
func (r *Redis) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	count, err := counterScript.Run(ctx, r.client, []string{r.prefix + key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, r.classify("increment counter", key, err)
	}
	return count, nil
}

// GetCounter reads a plain counter with a single GET.
// Returns 0 if the key doesn't exist or has expired.
func (r *Redis) GetCounter(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	val, err := r.client.Get(ctx, r.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, r.classify("get counter", key, err)
	}
	return val, nil
}

// RefillAndConsumeToken runs the token bucket script.
func (r *Redis) RefillAndConsumeToken(ctx context.Context, key string, refillRate float64, capacity int64, now time.Time) (TokenResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := []any{
		now.UnixMilli(),
		strconv.FormatFloat(refillRate, 'f', -1, 64),
		capacity,
		refillRetention(capacity, refillRate).Milliseconds(),
	}

	result, err := tokenScript.Run(ctx, r.client, []string{r.prefix + key}, args...).Slice()
	if err != nil {
		return TokenResult{}, r.classify("refill and consume token", key, err)
	}
	if len(result) != 2 {
		return TokenResult{}, fmt.Errorf("unexpected result length: got %d, want 2", len(result))
	}

	limited, ok := result[0].(int64)
	if !ok {
		return TokenResult{}, fmt.Errorf("unexpected type for limited flag: %T", result[0])
	}
	tokens, err := convertToFloat(result[1])
	if err != nil {
		return TokenResult{}, err
	}

	return TokenResult{Limited: limited == 1, Tokens: tokens}, nil
}

// Close releases the Redis client connection if the store created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

// classify wraps transport failures in ErrUnavailable. Errors raised by Redis
// itself (script errors, wrong type) are returned as-is: they are bugs or data
// corruption, not outages.
func (r *Redis) classify(op, key string, err error) error {
	var redisErr redis.Error
	if errors.As(err, &redisErr) && !isTransient(err) {
		log.Error().Err(err).Str("key", key).Str("op", op).Msg("redis script execution failed")
		return fmt.Errorf("redis %s failed for key %s: %w", op, key, err)
	}
	log.Error().Err(err).Str("key", key).Str("op", op).Msg("redis unavailable")
	return fmt.Errorf("%w: redis %s for key %s: %w", ErrUnavailable, op, key, err)
}

// isTransient reports Redis-side errors that mean the server cannot serve the
// request right now rather than that the request was wrong.
func isTransient(err error) bool {
	for _, prefix := range []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"} {
		if redis.HasErrorPrefix(err, prefix) {
			return true
		}
	}
	return false
}

func convertToFloat(val any) (float64, error) {
	switch v := val.(type) {
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid token balance %q: %w", v, err)
		}
		if math.IsNaN(f) || f < 0 {
			return 0, fmt.Errorf("invalid token balance %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unexpected type for tokens: %T", val)
	}
}
