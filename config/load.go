package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, applies defaults and ADMIT_* environment
// overrides, and validates the result. Unknown keys in the file are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("configuration file %q: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := decodeStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeStrict(data []byte, out *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. Variables use the
// format ADMIT_SECTION_FIELD. Unparseable values are errors rather than being
// ignored.
func applyEnvOverrides(cfg *Config) error {
	var err error
	str := func(name string, dst *string) {
		if val, ok := os.LookupEnv(name); ok && val != "" {
			*dst = val
		}
	}
	dur := func(name string, dst *time.Duration) {
		if val, ok := os.LookupEnv(name); ok && val != "" && err == nil {
			d, perr := time.ParseDuration(val)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", name, perr)
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if val, ok := os.LookupEnv(name); ok && val != "" && err == nil {
			i, perr := strconv.Atoi(val)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", name, perr)
				return
			}
			*dst = i
		}
	}
	boolean := func(name string, dst *bool) {
		if val, ok := os.LookupEnv(name); ok && val != "" && err == nil {
			b, perr := strconv.ParseBool(val)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", name, perr)
				return
			}
			*dst = b
		}
	}

	// Server overrides
	str("ADMIT_SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	str("ADMIT_SERVER_METRICS_PATH", &cfg.Server.MetricsPath)
	dur("ADMIT_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	dur("ADMIT_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	dur("ADMIT_SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	dur("ADMIT_SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	boolean("ADMIT_SERVER_CANONLOG", &cfg.Server.Canonlog)
	if val, ok := os.LookupEnv("ADMIT_SERVER_API_KEYS"); ok && val != "" {
		cfg.Server.APIKeys = splitList(val)
	}

	// Logging overrides
	str("ADMIT_LOGGING_LEVEL", &cfg.Logging.Level)
	str("ADMIT_LOGGING_FORMAT", &cfg.Logging.Format)

	// Local store overrides
	integer("ADMIT_LOCAL_SHARDS", &cfg.Local.Shards)
	dur("ADMIT_LOCAL_LOCK_TIMEOUT", &cfg.Local.LockTimeout)
	dur("ADMIT_LOCAL_SWEEP_INTERVAL", &cfg.Local.SweepInterval)

	// Redis overrides
	boolean("ADMIT_REDIS_ENABLED", &cfg.Redis.Enabled)
	str("ADMIT_REDIS_URL", &cfg.Redis.URL)
	str("ADMIT_REDIS_PASSWORD", &cfg.Redis.Password)
	integer("ADMIT_REDIS_DB", &cfg.Redis.DB)
	str("ADMIT_REDIS_PREFIX", &cfg.Redis.Prefix)
	dur("ADMIT_REDIS_TIMEOUT", &cfg.Redis.Timeout)
	integer("ADMIT_REDIS_POOL_SIZE", &cfg.Redis.PoolSize)

	return err
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
