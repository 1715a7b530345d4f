package admit

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type authContextKey string

const apiKeyKey authContextKey = "api_key"

// APIKeyValidator reports whether key is valid. It is called concurrently.
type APIKeyValidator func(key string) bool

// KeySet returns a validator accepting exactly the given keys. Keys are
// compared in constant time.
func KeySet(keys ...string) APIKeyValidator {
	set := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			set = append(set, []byte(k))
		}
	}
	return func(key string) bool {
		ok := 0
		for _, k := range set {
			ok |= subtle.ConstantTimeCompare(k, []byte(key))
		}
		return ok == 1
	}
}

type apiKeyConfig struct {
	header string
}

// APIKeyOption configures APIKey middleware.
type APIKeyOption func(*apiKeyConfig)

// WithAPIKeyHeader sets the header to read the key from (default: "X-API-Key").
func WithAPIKeyHeader(header string) APIKeyOption {
	return func(c *apiKeyConfig) {
		c.header = header
	}
}

// APIKey returns middleware that requires a valid key, read from the API key
// header or, when that is absent, from an "Authorization: Bearer <key>"
// header. Requests without a valid key get 401. The accepted key is available
// from APIKeyFromContext.
//
//	r.Use(admit.APIKey(admit.KeySet("k1", "k2")))
func APIKey(validator APIKeyValidator, opts ...APIKeyOption) func(http.Handler) http.Handler {
	cfg := &apiKeyConfig{header: "X-API-Key"}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			useState := HasState(r.Context())

			key := r.Header.Get(cfg.header)
			if key == "" {
				key = bearerToken(r.Header.Get("Authorization"))
			}
			if key == "" {
				respondError(w, r, useState, ErrUnauthorized.With("Missing API key"))
				return
			}
			if !validator(key) {
				respondError(w, r, useState, ErrUnauthorized.With("Invalid API key"))
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RFC 7235: the scheme is case-insensitive.
func bearerToken(auth string) string {
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

// APIKeyFromContext returns the key accepted by APIKey.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyKey).(string)
	return key, ok
}
