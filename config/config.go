// Package config loads the admitd service configuration.
//
// Configuration is read from a YAML file, filled in with defaults, overridden
// by ADMIT_* environment variables and validated. Every route carries a
// ratelimit.Config that is validated with the same rules ratelimit.New applies,
// so a file that loads cleanly always builds.
//
// Example file:
//
//	server:
//	  listen_address: ":8080"
//	logging:
//	  level: info
//	  format: json
//	redis:
//	  enabled: true
//	  url: "localhost:6379"
//	routes:
//	  - name: orders
//	    resource: /orders
//	    caller_by: [real_ip, "header:X-Tenant-ID"]
//	    limit:
//	      algorithm: sliding_log
//	      granularity: minutely
//	      limit: 100
//	      store: remote
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nhalm/admit/ratelimit"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Local   LocalConfig   `yaml:"local"`
	Redis   RedisConfig   `yaml:"redis"`
	Routes  []RouteConfig `yaml:"routes" validate:"dive"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address" validate:"required"`
	MetricsPath     string        `yaml:"metrics_path" validate:"required,startswith=/"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// Canonlog emits one canonical log line per request.
	Canonlog bool `yaml:"canonlog"`

	// APIKeys protects the /v1 API. Empty leaves it open.
	APIKeys []string `yaml:"api_keys" validate:"dive,required"`
}

// LoggingConfig configures the global zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// LocalConfig configures the in-process store.
type LocalConfig struct {
	Shards        int           `yaml:"shards" validate:"gte=1"`
	LockTimeout   time.Duration `yaml:"lock_timeout" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// RedisConfig configures the shared store. Routes with store: remote require
// Enabled.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url" validate:"required_if=Enabled true"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0,lte=15"`
	Prefix   string        `yaml:"prefix"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
	PoolSize int           `yaml:"pool_size" validate:"gte=0"`
}

// RouteConfig is one named limit exposed by the service.
type RouteConfig struct {
	// Name identifies the route in URLs and logs.
	Name string `yaml:"name" validate:"required,excludes=/"`

	// Resource is the resource identifier passed to the limiter. Defaults to Name.
	Resource string `yaml:"resource"`

	// CallerBy lists the request attributes that identify a caller, joined
	// in order: "ip", "real_ip", "header:<Name>" or "query:<name>".
	CallerBy []string `yaml:"caller_by" validate:"required,min=1"`

	// RequireCaller rejects requests missing any caller attribute with 400
	// instead of leaving the attribute out.
	RequireCaller bool `yaml:"require_caller"`

	// Headers is one of "always", "on_limit" or "never".
	Headers string `yaml:"headers" validate:"oneof=always on_limit never"`

	// FailOpen admits requests when the store fails. The default rejects
	// them with 503.
	FailOpen bool `yaml:"fail_open"`

	Limit ratelimit.Config `yaml:"limit" validate:"-"`
}

// CallerKind is the request attribute a caller dimension reads.
type CallerKind string

const (
	CallerIP     CallerKind = "ip"
	CallerRealIP CallerKind = "real_ip"
	CallerHeader CallerKind = "header"
	CallerQuery  CallerKind = "query"
)

// CallerDimension is one parsed CallerBy entry.
type CallerDimension struct {
	Kind CallerKind
	// Name is the header or query parameter name.
	Name string
}

// ParseCallerDimension parses one CallerBy entry.
func ParseCallerDimension(s string) (CallerDimension, error) {
	kind, name, hasName := strings.Cut(s, ":")
	switch CallerKind(kind) {
	case CallerIP, CallerRealIP:
		if hasName {
			return CallerDimension{}, fmt.Errorf("caller dimension %q takes no argument", kind)
		}
		return CallerDimension{Kind: CallerKind(kind)}, nil
	case CallerHeader, CallerQuery:
		name = strings.TrimSpace(name)
		if name == "" {
			return CallerDimension{}, fmt.Errorf("caller dimension %q requires a name (e.g. %s:X-API-Key)", kind, kind)
		}
		return CallerDimension{Kind: CallerKind(kind), Name: name}, nil
	default:
		return CallerDimension{}, fmt.Errorf("unknown caller dimension %q", s)
	}
}

// CallerDimensions parses CallerBy.
func (r RouteConfig) CallerDimensions() ([]CallerDimension, error) {
	dims := make([]CallerDimension, 0, len(r.CallerBy))
	for _, s := range r.CallerBy {
		d, err := ParseCallerDimension(s)
		if err != nil {
			return nil, err
		}
		dims = append(dims, d)
	}
	return dims, nil
}

// ResourceID returns Resource, or Name when Resource is empty.
func (r RouteConfig) ResourceID() string {
	if r.Resource != "" {
		return r.Resource
	}
	return r.Name
}

// Route returns the route with the given name.
func (c *Config) Route(name string) (RouteConfig, bool) {
	for _, r := range c.Routes {
		if r.Name == name {
			return r, true
		}
	}
	return RouteConfig{}, false
}

// UsesRemoteStore reports whether any route selects the remote store.
func (c *Config) UsesRemoteStore() bool {
	for _, r := range c.Routes {
		if r.Limit.Store == ratelimit.RemoteStore {
			return true
		}
	}
	return false
}
