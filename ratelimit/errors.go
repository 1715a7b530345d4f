package ratelimit

import "errors"

var (
	// ErrUnknownAlgorithm is returned for an algorithm name that is not one of
	// the Algorithm constants.
	ErrUnknownAlgorithm = errors.New("unknown algorithm")

	// ErrUnknownStore is returned for a store kind other than LocalStore or
	// RemoteStore.
	ErrUnknownStore = errors.New("unknown store kind")

	// ErrStoreNotConfigured is returned when the config selects a store kind
	// whose Store was not supplied.
	ErrStoreNotConfigured = errors.New("store not configured")

	// ErrInvalidValue is returned for numeric fields outside their range.
	ErrInvalidValue = errors.New("invalid value")
)

// ConfigError reports a configuration problem found while building a Limiter.
// Configuration errors are fatal at setup; a limiter is never built from a
// config that produced one.
type ConfigError struct {
	// Field is the configuration key at fault, empty when not attributable.
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "ratelimit: invalid config: " + e.Err.Error()
	}
	return "ratelimit: invalid config: " + e.Field + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
