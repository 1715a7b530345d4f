package admit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
	"github.com/rs/zerolog/log"
)

// HandlerOption configures the Handler middleware.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
}

// WithCanonlog enables canonical logging: one line per request carrying
// method, path, route, status and duration_ms, plus any error recorded with
// SetError and the fields other middleware add (ratelimit_* from the rate
// limiter).
func WithCanonlog() HandlerOption {
	return func(c *handlerConfig) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds custom fields to each canonical line. fn runs at
// request start, before the handler.
func WithCanonlogFields(fn func(*http.Request) map[string]any) HandlerOption {
	return func(c *handlerConfig) {
		c.canonlogFields = fn
	}
}

// Handler returns middleware that manages response state and writes the
// response after next returns. Panics in next are recovered and answered with
// ErrInternal.
func Handler(opts ...HandlerOption) func(http.Handler) http.Handler {
	cfg := &handlerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)

			var start time.Time
			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				start = time.Now()

				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					state.mu.Lock()
					state.err = ErrInternal
					state.mu.Unlock()

					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					} else {
						log.Error().
							Str("method", r.Method).
							Str("path", r.URL.Path).
							Interface("panic", rec).
							Msg("recovered from panic")
					}
				}

				if cfg.canonlog {
					flushCanonlog(ctx, r, state, time.Since(start))
				}

				writeResponse(w, state)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func flushCanonlog(ctx context.Context, r *http.Request, state *State, elapsed time.Duration) {
	state.mu.Lock()
	status := state.status
	if state.err != nil {
		status = state.err.Status
		canonlog.ErrorAdd(ctx, state.err)
	}
	state.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}

	route := r.URL.Path
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			route = pattern
		}
	}

	canonlog.InfoAddMany(ctx, map[string]any{
		"route":       route,
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
	})
	canonlog.Flush(ctx)
}

func writeResponse(w http.ResponseWriter, state *State) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	switch {
	case state.err != nil:
		writeJSON(w, state.err.Status, errorResponse{Error: state.err})
	case state.body != nil:
		status := state.status
		if status == 0 {
			status = http.StatusOK
		}
		writeJSON(w, status, state.body)
	case state.status != 0:
		w.WriteHeader(state.status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response body")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
