// Rate limiting middleware for Chi and standard http.Handler.
//
// The middleware evaluates a ratelimit.Limiter for a (resource, caller) pair
// per request. The resource defaults to the request path. The caller is built
// from key dimensions added via options:
//
//	limiter, _ := ratelimit.New(cfg, ratelimit.Stores{Local: local})
//	r.Use(admit.NewRateLimiter(limiter, admit.RateLimitWithIP()).Handler)
//
// Multi-dimensional callers join their parts with ':', one slot per dimension,
// with ':' and '%' inside values percent-escaped:
//
//	admit.NewRateLimiter(limiter,
//	    admit.RateLimitWithRealIP(),
//	    admit.RateLimitWithHeader("X-Tenant-ID"),
//	)
//
// Key dimension options have *Required variants. When a required dimension is
// missing the request is rejected with 400 Bad Request; when an optional one is
// missing its slot is left empty, and when every dimension is missing rate
// limiting is skipped for that request.
//
// Limited requests get 429 with Retry-After. When the limiter's store fails the
// failure policy decides: FailClosed (default) answers 503, FailOpen lets the
// request through.

package admit

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
	"github.com/rs/zerolog/log"

	"github.com/nhalm/admit/ratelimit"
)

// RateLimitHeaderMode controls when rate limit headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes rate limit headers on all responses (default).
	// Headers: X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset
	// On 429: Also includes Retry-After
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever never includes rate limit headers in any response.
	RateLimitHeadersNever
)

// FailurePolicy decides what happens to a request when the limiter errors.
type FailurePolicy int

const (
	// FailClosed rejects the request with 503 Service Unavailable (default).
	FailClosed FailurePolicy = iota
	// FailOpen admits the request and logs the error.
	FailOpen
)

// rateLimitKeyFunc extracts a caller key component from an HTTP request.
// Returning an empty string indicates the value is missing.
type rateLimitKeyFunc func(*http.Request) string

type rateLimitDimension struct {
	fn       rateLimitKeyFunc
	required bool
	name     string // for error messages (e.g., "header X-API-Key")
	param    string
}

// RateLimiter is HTTP middleware around a ratelimit.Limiter.
type RateLimiter struct {
	limiter       *ratelimit.Limiter
	resourceName  string
	routePattern  bool
	keyDims       []rateLimitDimension
	headerMode    RateLimitHeaderMode
	failurePolicy FailurePolicy
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// RateLimitWithHeaderMode configures when rate limit headers are included in responses.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(l *RateLimiter) {
		l.headerMode = mode
	}
}

// RateLimitWithFailurePolicy configures how limiter errors are handled.
func RateLimitWithFailurePolicy(policy FailurePolicy) RateLimitOption {
	return func(l *RateLimiter) {
		l.failurePolicy = policy
	}
}

// RateLimitWithResourceName uses a fixed resource identifier instead of the
// request path, so that every path behind the middleware shares one quota.
func RateLimitWithResourceName(name string) RateLimitOption {
	return func(l *RateLimiter) {
		l.resourceName = name
	}
}

// RateLimitWithRoutePattern uses the matched chi route pattern (e.g.
// "/users/{id}") as the resource, so that all IDs share one quota. Falls back
// to the request path outside chi or before routing.
func RateLimitWithRoutePattern() RateLimitOption {
	return func(l *RateLimiter) {
		l.routePattern = true
	}
}

// RateLimitWithIP adds the client IP address (from RemoteAddr) to the caller key.
// Use this for direct connections without a proxy. RemoteAddr is always present.
func RateLimitWithIP() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					return r.RemoteAddr
				}
				return ip
			},
			name: "IP",
		})
	}
}

// RateLimitWithRealIP adds the client IP from X-Forwarded-For or X-Real-IP.
// Use this when behind a proxy or load balancer.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For to bypass rate limits.
func RateLimitWithRealIP() RateLimitOption {
	return rateLimitWithRealIP(false)
}

// RateLimitWithRealIPRequired is RateLimitWithRealIP, answering 400 Bad
// Request when neither header is present.
func RateLimitWithRealIPRequired() RateLimitOption {
	return rateLimitWithRealIP(true)
}

func rateLimitWithRealIP(required bool) RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
					if idx := strings.Index(xff, ","); idx != -1 {
						return strings.TrimSpace(xff[:idx])
					}
					return strings.TrimSpace(xff)
				}
				return strings.TrimSpace(r.Header.Get("X-Real-IP"))
			},
			required: required,
			name:     "X-Forwarded-For or X-Real-IP header",
			param:    "X-Forwarded-For",
		})
	}
}

// RateLimitWithHeader adds a header value to the caller key.
func RateLimitWithHeader(header string) RateLimitOption {
	return rateLimitWithHeader(header, false)
}

// RateLimitWithHeaderRequired adds a header value to the caller key.
// Returns 400 Bad Request when the header is missing.
func RateLimitWithHeaderRequired(header string) RateLimitOption {
	return rateLimitWithHeader(header, true)
}

func rateLimitWithHeader(header string, required bool) RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				return r.Header.Get(header)
			},
			required: required,
			name:     fmt.Sprintf("header %s", header),
			param:    header,
		})
	}
}

// RateLimitWithQueryParam adds a query parameter value to the caller key.
func RateLimitWithQueryParam(param string) RateLimitOption {
	return rateLimitWithQueryParam(param, false)
}

// RateLimitWithQueryParamRequired adds a query parameter value to the caller key.
// Returns 400 Bad Request when the parameter is missing.
func RateLimitWithQueryParamRequired(param string) RateLimitOption {
	return rateLimitWithQueryParam(param, true)
}

func rateLimitWithQueryParam(param string, required bool) RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				return r.URL.Query().Get(param)
			},
			required: required,
			name:     fmt.Sprintf("query param %s", param),
			param:    param,
		})
	}
}

// NewRateLimiter wraps limiter as HTTP middleware.
// Use RateLimitWith* options to configure the caller key and behavior.
//
// At least one key dimension option must be provided.
// Panics if no key dimensions are configured.
//
// Key dimension options:
//   - RateLimitWithIP: RemoteAddr IP (direct connections)
//   - RateLimitWithRealIP / RateLimitWithRealIPRequired: X-Forwarded-For/X-Real-IP
//   - RateLimitWithHeader / RateLimitWithHeaderRequired: header value
//   - RateLimitWithQueryParam / RateLimitWithQueryParamRequired: query parameter
//
// Other options:
//   - RateLimitWithResourceName / RateLimitWithRoutePattern: resource identifier (default: path)
//   - RateLimitWithHeaderMode: header visibility (default: RateLimitHeadersAlways)
//   - RateLimitWithFailurePolicy: limiter errors (default: FailClosed)
func NewRateLimiter(limiter *ratelimit.Limiter, opts ...RateLimitOption) *RateLimiter {
	l := &RateLimiter{
		limiter:       limiter,
		headerMode:    RateLimitHeadersAlways,
		failurePolicy: FailClosed,
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.keyDims) == 0 {
		panic("admit: must configure at least one key dimension option (RateLimitWithIP, RateLimitWithRealIP, RateLimitWithHeader, or RateLimitWithQueryParam)")
	}
	return l
}

// Handler returns the rate limiting middleware.
// Sets the following headers based on header mode:
//   - X-RateLimit-Limit: The configured limit
//   - X-RateLimit-Remaining: Requests left before the caller is limited
//   - X-RateLimit-Reset: Unix timestamp of the decision's reset time
//   - Retry-After: (only when limited) Seconds until the reset, rounded up
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		useState := HasState(ctx)

		caller, missing := l.callerID(r)
		if missing != nil {
			apiErr := ErrBadRequest.WithParam(fmt.Sprintf("Missing required %s", missing.name), missing.param)
			respondError(w, r, useState, apiErr)
			return
		}
		if caller == "" {
			next.ServeHTTP(w, r)
			return
		}

		resource := l.resourceID(r)
		d, err := l.limiter.Evaluate(ctx, resource, caller)
		if err != nil {
			if _, ok := canonlog.TryGetLogger(ctx); ok {
				canonlog.InfoAdd(ctx, "ratelimit_error", err.Error())
			}
			if l.failurePolicy == FailOpen {
				log.Warn().Err(err).
					Str("resource", resource).
					Str("caller", caller).
					Msg("rate limit check failed, admitting request")
				next.ServeHTTP(w, r)
				return
			}
			respondError(w, r, useState, ErrServiceUnavailable.With("Rate limit check failed"))
			return
		}

		setDecision(r, d)
		if _, ok := canonlog.TryGetLogger(ctx); ok {
			canonlog.InfoAddMany(ctx, map[string]any{
				"ratelimit_algorithm": string(l.limiter.Algorithm()),
				"ratelimit_limited":   d.Limited,
				"ratelimit_remaining": d.Remaining,
			})
		}

		shouldSetHeaders := l.headerMode == RateLimitHeadersAlways || (l.headerMode == RateLimitHeadersOnLimitExceeded && d.Limited)
		if shouldSetHeaders {
			setHeader(w, r, useState, "X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			setHeader(w, r, useState, "X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			setHeader(w, r, useState, "X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		}

		if d.Limited {
			if shouldSetHeaders {
				setHeader(w, r, useState, "Retry-After", strconv.FormatInt(retryAfterSeconds(d), 10))
			}
			respondError(w, r, useState, ErrRateLimited)
			return
		}

		next.ServeHTTP(w, r)
	})
}

var callerPartEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// callerID joins the values of all key dimensions. It returns the first
// missing required dimension, if any, and "" when every dimension is absent.
//
// With several dimensions each one keeps its slot, absent ones included, and
// values are escaped, so distinct value tuples never join to the same key.
func (l *RateLimiter) callerID(r *http.Request) (string, *rateLimitDimension) {
	if len(l.keyDims) == 1 {
		dim := &l.keyDims[0]
		part := dim.fn(r)
		if part == "" && dim.required {
			return "", dim
		}
		return part, nil
	}

	var sb strings.Builder
	sb.Grow(len(l.keyDims) * 24)

	present := false
	for i := range l.keyDims {
		dim := &l.keyDims[i]
		part := dim.fn(r)
		if part == "" && dim.required {
			return "", dim
		}
		if i > 0 {
			sb.WriteByte(':')
		}
		if part != "" {
			present = true
			sb.WriteString(callerPartEscaper.Replace(part))
		}
	}
	if !present {
		return "", nil
	}
	return sb.String(), nil
}

func (l *RateLimiter) resourceID(r *http.Request) string {
	if l.resourceName != "" {
		return l.resourceName
	}
	if l.routePattern {
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				return pattern
			}
		}
	}
	return r.URL.Path
}

func retryAfterSeconds(d ratelimit.Decision) int64 {
	return max(1, int64(math.Ceil(d.RetryAfter.Seconds())))
}

func setHeader(w http.ResponseWriter, r *http.Request, useState bool, key, value string) {
	if useState {
		SetHeader(r, key, value)
		return
	}
	w.Header().Set(key, value)
}

func respondError(w http.ResponseWriter, r *http.Request, useState bool, apiErr *APIError) {
	if useState {
		SetError(r, apiErr)
		return
	}
	writeJSON(w, apiErr.Status, errorResponse{Error: apiErr})
}
