package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nhalm/admit/ratelimit"
	"github.com/nhalm/admit/window"
)

const validYAML = `
server:
  listen_address: ":9090"
  canonlog: true
redis:
  enabled: true
  url: "localhost:6379"
routes:
  - name: orders
    resource: /orders
    caller_by: [real_ip, "header:X-Tenant-ID"]
    limit:
      algorithm: sliding_log
      granularity: minutely
      limit: 100
      store: remote
  - name: login
    caller_by: [ip]
    require_caller: true
    headers: on_limit
    limit:
      algorithm: token_bucket
      granularity: custom
      window: 90s
      limit: 5
      refill_rate: 0.5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admit.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddress != ":9090" {
		t.Errorf("listen address = %q", cfg.Server.ListenAddress)
	}
	if !cfg.Server.Canonlog {
		t.Error("expected canonlog enabled")
	}
	if cfg.Server.MetricsPath != DefaultMetricsPath {
		t.Errorf("metrics path = %q, want default", cfg.Server.MetricsPath)
	}
	if cfg.Redis.Timeout != DefaultRedisTimeout || cfg.Redis.Prefix != DefaultRedisPrefix {
		t.Errorf("redis defaults not applied: %+v", cfg.Redis)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(cfg.Routes))
	}

	orders, ok := cfg.Route("orders")
	if !ok {
		t.Fatal("route orders not found")
	}
	if orders.ResourceID() != "/orders" || orders.Headers != DefaultRouteHeaders {
		t.Errorf("orders = %+v", orders)
	}
	want := ratelimit.Config{
		Algorithm:   ratelimit.SlidingLogAlgorithm,
		Granularity: window.Minutely,
		Limit:       100,
		Store:       ratelimit.RemoteStore,
	}
	if orders.Limit != want {
		t.Errorf("orders.limit = %+v, want %+v", orders.Limit, want)
	}

	login, _ := cfg.Route("login")
	if login.ResourceID() != "login" {
		t.Errorf("login resource = %q, want route name", login.ResourceID())
	}
	if login.Limit.Window != 90*time.Second || login.Limit.Store != ratelimit.LocalStore {
		t.Errorf("login.limit = %+v", login.Limit)
	}
	if !cfg.UsesRemoteStore() {
		t.Error("expected UsesRemoteStore")
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddress != DefaultListenAddress {
		t.Errorf("listen address = %q", cfg.Server.ListenAddress)
	}
	if cfg.Local.Shards != DefaultLocalShards {
		t.Errorf("shards = %d", cfg.Local.Shards)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want ErrNotExist", err)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  listen_adress: \":1\"\n"))
	if err == nil || !strings.Contains(err.Error(), "listen_adress") {
		t.Errorf("error = %v, want unknown field error", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantField string
	}{
		{
			name: "unknown algorithm",
			yaml: `
routes:
  - name: r
    caller_by: [ip]
    limit: {algorithm: leaky, granularity: minutely, limit: 1}
`,
			wantField: "routes[0].limit.algorithm",
		},
		{
			name: "unknown granularity",
			yaml: `
routes:
  - name: r
    caller_by: [ip]
    limit: {algorithm: fixed_window, granularity: weekly, limit: 1}
`,
			wantField: "routes[0].limit.granularity",
		},
		{
			name: "zero limit",
			yaml: `
routes:
  - name: r
    caller_by: [ip]
    limit: {algorithm: fixed_window, granularity: minutely}
`,
			wantField: "routes[0].limit.limit",
		},
		{
			name: "remote without redis",
			yaml: `
routes:
  - name: r
    caller_by: [ip]
    limit: {algorithm: fixed_window, granularity: minutely, limit: 1, store: remote}
`,
			wantField: "routes[0].limit.store",
		},
		{
			name: "bad caller dimension",
			yaml: `
routes:
  - name: r
    caller_by: ["cookie:session"]
    limit: {algorithm: fixed_window, granularity: minutely, limit: 1}
`,
			wantField: "routes[0].caller_by",
		},
		{
			name: "missing caller",
			yaml: `
routes:
  - name: r
    limit: {algorithm: fixed_window, granularity: minutely, limit: 1}
`,
			wantField: "routes[0].caller_by",
		},
		{
			name: "duplicate name",
			yaml: `
routes:
  - name: r
    caller_by: [ip]
    limit: {algorithm: fixed_window, granularity: minutely, limit: 1}
  - name: r
    caller_by: [ip]
    limit: {algorithm: fixed_window, granularity: minutely, limit: 1}
`,
			wantField: "routes[1].name",
		},
		{
			name:      "redis without url",
			yaml:      "redis:\n  enabled: true\n",
			wantField: "redis.url",
		},
		{
			name:      "bad log level",
			yaml:      "logging:\n  level: loud\n",
			wantField: "logging.level",
		},
		{
			name:      "bad header mode",
			yaml:      "routes:\n  - name: r\n    caller_by: [ip]\n    headers: sometimes\n    limit: {algorithm: fixed_window, granularity: minutely, limit: 1}\n",
			wantField: "routes[0].headers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			for _, fe := range verr.Errors {
				if fe.Field == tt.wantField {
					return
				}
			}
			t.Errorf("no error for %s in %v", tt.wantField, verr.Errors)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ADMIT_SERVER_LISTEN_ADDRESS", ":7070")
	t.Setenv("ADMIT_REDIS_ENABLED", "true")
	t.Setenv("ADMIT_REDIS_URL", "redis:6379")
	t.Setenv("ADMIT_REDIS_TIMEOUT", "250ms")
	t.Setenv("ADMIT_LOCAL_SHARDS", "16")
	t.Setenv("ADMIT_SERVER_API_KEYS", "k1, k2,")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.ListenAddress != ":7070" {
		t.Errorf("listen address = %q", cfg.Server.ListenAddress)
	}
	if !cfg.Redis.Enabled || cfg.Redis.URL != "redis:6379" || cfg.Redis.Timeout != 250*time.Millisecond {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Local.Shards != 16 {
		t.Errorf("shards = %d", cfg.Local.Shards)
	}
	if len(cfg.Server.APIKeys) != 2 || cfg.Server.APIKeys[0] != "k1" || cfg.Server.APIKeys[1] != "k2" {
		t.Errorf("api keys = %q", cfg.Server.APIKeys)
	}
}

func TestEnvOverrides_Invalid(t *testing.T) {
	t.Setenv("ADMIT_REDIS_TIMEOUT", "soon")
	if _, err := Parse(nil); err == nil || !strings.Contains(err.Error(), "ADMIT_REDIS_TIMEOUT") {
		t.Errorf("error = %v, want invalid ADMIT_REDIS_TIMEOUT", err)
	}
}

func TestParseCallerDimension(t *testing.T) {
	tests := []struct {
		in      string
		want    CallerDimension
		wantErr bool
	}{
		{in: "ip", want: CallerDimension{Kind: CallerIP}},
		{in: "real_ip", want: CallerDimension{Kind: CallerRealIP}},
		{in: "header:X-Tenant-ID", want: CallerDimension{Kind: CallerHeader, Name: "X-Tenant-ID"}},
		{in: "query:api_key", want: CallerDimension{Kind: CallerQuery, Name: "api_key"}},
		{in: "header:", wantErr: true},
		{in: "ip:x", wantErr: true},
		{in: "cookie", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCallerDimension(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, validYAML)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, 20*time.Millisecond, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)

	// An invalid file is skipped.
	if err := os.WriteFile(path, []byte("routes: [{name: x}]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	updated := strings.Replace(validYAML, "limit: 100", "limit: 250", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if _, ok := cfg.Route("x"); ok {
				t.Fatal("invalid config delivered")
			}
			if orders, ok := cfg.Route("orders"); ok && orders.Limit.Limit == 250 {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for reload")
		}
	}
}
