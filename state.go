package admit

import (
	"context"
	"net/http"
	"sync"

	"github.com/nhalm/admit/ratelimit"
)

type stateContextKey string

const stateKey stateContextKey = "admit_state"

// State holds the response being assembled for one request. Handler creates
// it; the setters below fill it in; Handler writes it once next returns.
type State struct {
	mu       sync.Mutex
	err      *APIError
	status   int
	body     any
	headers  http.Header
	decision *ratelimit.Decision
}

// HasState reports whether Handler is installed for the request.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}

// SetError records an error response. An error takes precedence over any
// response set with SetResponse. No-op without Handler.
func SetError(r *http.Request, err *APIError) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.err = err
}

// SetResponse records a status and a body encoded as JSON. A nil body writes
// the status alone. No-op without Handler.
func SetResponse(r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.body = body
}

// SetHeader sets a response header. No-op without Handler.
func SetHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}

// AddHeader adds a response header value. No-op without Handler.
func AddHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Add(key, value)
}

// RateLimitDecision returns the decision the rate limit middleware made for
// this request. With several limiters on one route it is the last one.
func RateLimitDecision(ctx context.Context) (ratelimit.Decision, bool) {
	state := getState(ctx)
	if state == nil {
		return ratelimit.Decision{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.decision == nil {
		return ratelimit.Decision{}, false
	}
	return *state.decision, true
}

func setDecision(r *http.Request, d ratelimit.Decision) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.decision = &d
}
