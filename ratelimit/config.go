package ratelimit

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nhalm/admit/window"
)

// Algorithm names a limiting strategy.
type Algorithm string

const (
	FixedWindowAlgorithm    Algorithm = "fixed_window"
	SlidingLogAlgorithm     Algorithm = "sliding_log"
	SlidingCounterAlgorithm Algorithm = "sliding_counter"
	TokenBucketAlgorithm    Algorithm = "token_bucket"
)

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{
	FixedWindowAlgorithm,
	SlidingLogAlgorithm,
	SlidingCounterAlgorithm,
	TokenBucketAlgorithm,
}

func (a Algorithm) valid() bool {
	for _, known := range Algorithms {
		if a == known {
			return true
		}
	}
	return false
}

// StoreKind selects which injected store a limiter uses.
type StoreKind string

const (
	// LocalStore keeps counters in process.
	LocalStore StoreKind = "local"
	// RemoteStore keeps counters in a store shared between instances.
	RemoteStore StoreKind = "remote"
)

// MaxLimit is the largest accepted Limit. Counts up to it are exact in float64
// arithmetic and leave headroom for counters that run one past the limit.
const MaxLimit int64 = 1 << 53

// Config describes one limiter. It is usually decoded from a route entry of
// the service configuration file.
//
// For Minutely, Hourly and Daily granularities the window is WindowSize units
// (0 means 1). For the Custom granularity Window sets the size directly.
// RefillRate is tokens per second and only applies to the token bucket; when
// zero it defaults to Limit spread evenly over the window.
type Config struct {
	Algorithm   Algorithm          `yaml:"algorithm" json:"algorithm"`
	Granularity window.Granularity `yaml:"granularity" json:"granularity"`
	WindowSize  int                `yaml:"window_size" json:"window_size" validate:"gte=0"`
	Window      time.Duration      `yaml:"window" json:"window" validate:"gte=0"`
	Limit       int64              `yaml:"limit" json:"limit" validate:"gt=0,lte=9007199254740992"`
	RefillRate  float64            `yaml:"refill_rate" json:"refill_rate" validate:"gte=0"`
	Store       StoreKind          `yaml:"store" json:"store"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// resolved is a validated Config with derived values filled in.
type resolved struct {
	algorithm  Algorithm
	policy     window.Policy
	limit      int64
	refillRate float64
	store      StoreKind
}

// Validate checks c without building a limiter. The returned error is a
// *ConfigError.
func (c Config) Validate() error {
	_, err := c.resolve()
	return err
}

func (c Config) resolve() (resolved, error) {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return resolved{}, &ConfigError{
				Field: fe.Field(),
				Err:   fmt.Errorf("%w: failed %q check (value %v)", ErrInvalidValue, fe.Tag(), fe.Value()),
			}
		}
		return resolved{}, &ConfigError{Err: err}
	}

	if !c.Algorithm.valid() {
		return resolved{}, &ConfigError{
			Field: "algorithm",
			Err:   fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(c.Algorithm)),
		}
	}

	policy, err := window.New(c.Granularity, c.WindowSize, c.Window)
	if err != nil {
		field := "granularity"
		if errors.Is(err, window.ErrInvalidSize) {
			field = "window"
			if c.Granularity != window.Custom {
				field = "window_size"
			}
		}
		return resolved{}, &ConfigError{Field: field, Err: err}
	}

	switch c.Store {
	case LocalStore, RemoteStore:
	default:
		return resolved{}, &ConfigError{
			Field: "store",
			Err:   fmt.Errorf("%w: %q", ErrUnknownStore, string(c.Store)),
		}
	}

	rate := c.RefillRate
	if rate == 0 {
		rate = float64(c.Limit) / policy.Size().Seconds()
	}

	return resolved{
		algorithm:  c.Algorithm,
		policy:     policy,
		limit:      c.Limit,
		refillRate: rate,
		store:      c.Store,
	}, nil
}
