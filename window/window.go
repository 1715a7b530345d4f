// Package window derives storage keys and window boundaries for rate limiting.
//
// A Policy is a pure value: the same inputs always produce the same keys and
// boundaries. Boundaries are aligned to the Unix epoch, so two processes that
// read the same instant compute the same window.
//
//	p := window.Minutes(1)
//	start, end := p.Start(now), p.End(now)
//	key := p.Key("fixed_window", "/", "10.0.0.1")
package window

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Granularity is the coarse time unit a quota resets on.
type Granularity string

const (
	Minutely Granularity = "minutely"
	Hourly   Granularity = "hourly"
	Daily    Granularity = "daily"
	// Custom windows have an arbitrary whole-second size.
	Custom Granularity = "custom"
)

// ErrUnknownGranularity is returned for granularities other than the constants above.
var ErrUnknownGranularity = errors.New("unknown granularity")

// ErrInvalidSize is returned for non-positive, sub-second or overflowing
// window sizes.
var ErrInvalidSize = errors.New("invalid window size")

// Unit returns the duration of one unit of g. Custom has no fixed unit.
func (g Granularity) Unit() (time.Duration, error) {
	switch g {
	case Minutely:
		return time.Minute, nil
	case Hourly:
		return time.Hour, nil
	case Daily:
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownGranularity, string(g))
	}
}

// Policy maps a time to its window and a resource/caller pair to storage keys.
type Policy struct {
	granularity Granularity
	size        time.Duration
}

// New builds a policy from configuration values. For Minutely, Hourly and
// Daily the window is units of that granularity (units <= 0 means 1). For
// Custom the window is custom, which must be a positive whole number of seconds.
func New(g Granularity, units int, custom time.Duration) (Policy, error) {
	if g == Custom {
		return Every(custom)
	}
	unit, err := g.Unit()
	if err != nil {
		return Policy{}, err
	}
	if units <= 0 {
		units = 1
	}
	if int64(units) > math.MaxInt64/int64(unit) {
		return Policy{}, fmt.Errorf("%w: %d %s windows overflow a duration", ErrInvalidSize, units, g)
	}
	return Policy{granularity: g, size: time.Duration(units) * unit}, nil
}

// Minutes returns a policy whose window is n minutes.
func Minutes(n int) Policy {
	p, _ := New(Minutely, n, 0)
	return p
}

// Hours returns a policy whose window is n hours.
func Hours(n int) Policy {
	p, _ := New(Hourly, n, 0)
	return p
}

// Days returns a policy whose window is n days.
func Days(n int) Policy {
	p, _ := New(Daily, n, 0)
	return p
}

// Every returns a custom policy with window size d.
func Every(d time.Duration) (Policy, error) {
	if d < time.Second || d%time.Second != 0 {
		return Policy{}, fmt.Errorf("%w: %s (must be a positive whole number of seconds)", ErrInvalidSize, d)
	}
	return Policy{granularity: Custom, size: d}, nil
}

// Granularity returns the policy's granularity.
func (p Policy) Granularity() Granularity { return p.granularity }

// Size returns the window length.
func (p Policy) Size() time.Duration { return p.size }

// Start returns floor(t / size) * size.
func (p Policy) Start(t time.Time) time.Time {
	sec := int64(p.size / time.Second)
	unix := t.Unix()
	start := unix - unix%sec
	if unix < 0 && unix%sec != 0 {
		start -= sec
	}
	return time.Unix(start, 0).In(t.Location())
}

// End returns Start(t) + size.
func (p Policy) End(t time.Time) time.Time {
	return p.Start(t).Add(p.size)
}

// Previous returns the start of the window before the one containing t.
func (p Policy) Previous(t time.Time) time.Time {
	return p.Start(t).Add(-p.size)
}

// Tag identifies the policy inside keys: the granularity plus the window size
// in seconds, so that "1 minute" and "2 minutes" never share counters.
func (p Policy) Tag() string {
	return string(p.granularity) + "." + strconv.FormatInt(int64(p.size/time.Second), 10)
}

var keyEscaper = strings.NewReplacer("%", "%25", "|", "%7C", "{", "%7B", "}", "%7D")

// Key composes the storage key for one algorithm over a resource/caller pair:
//
//	<algorithm>:<tag>:{<resource>|<caller>}
//
// Resource and caller are escaped so that distinct pairs never compose to the
// same key. The braces are a Redis Cluster hash tag, so every key of one pair
// (including bucketed keys) lands on the same shard.
func (p Policy) Key(algorithm, resourceID, callerID string) string {
	resource := keyEscaper.Replace(resourceID)
	caller := keyEscaper.Replace(callerID)
	tag := p.Tag()

	var sb strings.Builder
	sb.Grow(len(algorithm) + len(tag) + len(resource) + len(caller) + 6)
	sb.WriteString(algorithm)
	sb.WriteByte(':')
	sb.WriteString(tag)
	sb.WriteString(":{")
	sb.WriteString(resource)
	sb.WriteByte('|')
	sb.WriteString(caller)
	sb.WriteByte('}')
	return sb.String()
}

// BucketKey appends the Unix second of windowStart to a Key, naming the
// counter of one fixed window.
func (p Policy) BucketKey(key string, windowStart time.Time) string {
	return key + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}
