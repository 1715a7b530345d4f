package config

import (
	"time"

	"github.com/nhalm/admit/ratelimit"
)

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultMetricsPath     = "/metrics"
	DefaultReadTimeout     = 5 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 15 * time.Second

	// Logging defaults
	DefaultLoggingLevel  = "info"
	DefaultLoggingFormat = "json"

	// Local store defaults
	DefaultLocalShards        = 256
	DefaultLocalLockTimeout   = 500 * time.Millisecond
	DefaultLocalSweepInterval = time.Minute

	// Redis defaults
	DefaultRedisPrefix  = "ratelimit:"
	DefaultRedisTimeout = 100 * time.Millisecond

	// Route defaults
	DefaultRouteHeaders = "always"
	DefaultRouteStore   = ratelimit.LocalStore
)

// ApplyDefaults fills zero-valued fields with defaults. Route limit blocks
// only get a default store; algorithm, granularity and limit must be set.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = DefaultMetricsPath
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLoggingFormat
	}

	if cfg.Local.Shards == 0 {
		cfg.Local.Shards = DefaultLocalShards
	}
	if cfg.Local.LockTimeout == 0 {
		cfg.Local.LockTimeout = DefaultLocalLockTimeout
	}
	if cfg.Local.SweepInterval == 0 {
		cfg.Local.SweepInterval = DefaultLocalSweepInterval
	}

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = DefaultRedisPrefix
	}
	if cfg.Redis.Timeout == 0 {
		cfg.Redis.Timeout = DefaultRedisTimeout
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.Headers == "" {
			r.Headers = DefaultRouteHeaders
		}
		if r.Limit.Store == "" {
			r.Limit.Store = DefaultRouteStore
		}
	}
}
