package admit

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
)

func TestHandler_Responses(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(r *http.Request)
		wantStatus int
		wantType   string
		wantCT     string
	}{
		{
			name:       "success with body",
			handler:    func(r *http.Request) { SetResponse(r, http.StatusCreated, map[string]string{"id": "123"}) },
			wantStatus: http.StatusCreated,
			wantCT:     "application/json",
		},
		{
			name:       "error",
			handler:    func(r *http.Request) { SetError(r, ErrNotFound.With("Route not found")) },
			wantStatus: http.StatusNotFound,
			wantType:   "not_found",
			wantCT:     "application/json",
		},
		{
			name: "error takes precedence",
			handler: func(r *http.Request) {
				SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
				SetError(r, ErrRateLimited)
			},
			wantStatus: http.StatusTooManyRequests,
			wantType:   "rate_limit_error",
			wantCT:     "application/json",
		},
		{
			name:       "status only",
			handler:    func(r *http.Request) { SetResponse(r, http.StatusNoContent, nil) },
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "nothing set",
			handler:    func(*http.Request) {},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				tt.handler(r)
			}))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != tt.wantCT {
				t.Errorf("expected Content-Type %q, got %q", tt.wantCT, ct)
			}
			if tt.wantType != "" {
				var body map[string]*APIError
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if body["error"] == nil || body["error"].Type != tt.wantType {
					t.Errorf("expected error type %s, got %+v", tt.wantType, body["error"])
				}
			}
		})
	}
}

func TestHandler_PanicRecovery(t *testing.T) {
	for _, opts := range [][]HandlerOption{nil, {WithCanonlog()}} {
		h := Handler(opts...)(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
			panic("something went wrong")
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
		}

		var body map[string]*APIError
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if body["error"].Type != "internal_error" {
			t.Errorf("expected type internal_error, got %s", body["error"].Type)
		}
	}
}

func TestHandler_Headers(t *testing.T) {
	h := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetHeader(r, "X-RateLimit-Remaining", "99")
		SetHeader(r, "X-RateLimit-Remaining", "98")
		AddHeader(r, "Vary", "X-Tenant-ID")
		AddHeader(r, "Vary", "X-Forwarded-For")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "98" {
		t.Errorf("expected X-RateLimit-Remaining=98, got %s", got)
	}
	if got := rec.Header().Values("Vary"); len(got) != 2 {
		t.Errorf("expected 2 Vary values, got %v", got)
	}
}

func TestHandler_JSONEncodingFailure(t *testing.T) {
	h := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, map[string]any{"channel": make(chan int)})
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("expected Content-Type text/plain, got %s", ct)
	}
	if body := rec.Body.String(); body != "Internal server error" {
		t.Errorf("expected body 'Internal server error', got %s", body)
	}
}

func TestHandler_ConcurrentSetters(t *testing.T) {
	const goroutines = 50

	h := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var wg sync.WaitGroup
		wg.Add(goroutines * 3)
		for i := 0; i < goroutines; i++ {
			go func() {
				defer wg.Done()
				SetError(r, ErrRateLimited)
			}()
			go func(idx int) {
				defer wg.Done()
				SetResponse(r, http.StatusOK, map[string]int{"id": idx})
			}(i)
			go func() {
				defer wg.Done()
				AddHeader(r, "X-Custom", "value")
			}()
		}
		wg.Wait()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected status %d, got %d", http.StatusTooManyRequests, rec.Code)
	}
	if got := len(rec.Header().Values("X-Custom")); got != goroutines {
		t.Errorf("expected %d X-Custom headers, got %d", goroutines, got)
	}
}

func TestHasState(t *testing.T) {
	var inside bool
	h := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		inside = HasState(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if !inside {
		t.Error("expected HasState to return true inside Handler")
	}

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if HasState(req.Context()) {
		t.Error("expected HasState to return false without Handler")
	}

	// Setters are no-ops without Handler.
	SetError(req, ErrInternal)
	SetResponse(req, http.StatusOK, nil)
	SetHeader(req, "X-Test", "v")
	AddHeader(req, "X-Test", "v")
	if _, ok := RateLimitDecision(req.Context()); ok {
		t.Error("expected no decision without Handler")
	}
}

func TestAPIError(t *testing.T) {
	err := ErrBadRequest.WithParam("Missing required header X-Tenant-ID", "X-Tenant-ID")

	if !errors.Is(err, ErrBadRequest) {
		t.Error("expected errors.Is to match ErrBadRequest")
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("expected errors.Is not to match ErrRateLimited")
	}
	if err.Param != "X-Tenant-ID" || err.Status != http.StatusBadRequest {
		t.Errorf("unexpected copy: %+v", err)
	}
	if ErrBadRequest.Param != "" {
		t.Error("WithParam modified the sentinel")
	}

	var nilErr *APIError
	if nilErr.With("x") != nil || nilErr.WithParam("x", "y") != nil {
		t.Error("expected nil copies of a nil error")
	}
	if !nilErr.Is(nil) {
		t.Error("expected nil error to match nil target")
	}
}

func TestWithCanonlog(t *testing.T) {
	tests := []struct {
		name       string
		opts       []HandlerOption
		wantLogger bool
	}{
		{name: "enabled", opts: []HandlerOption{WithCanonlog()}, wantLogger: true},
		{name: "disabled", opts: nil, wantLogger: false},
		{
			name: "custom fields",
			opts: []HandlerOption{
				WithCanonlog(),
				WithCanonlogFields(func(r *http.Request) map[string]any {
					return map[string]any{"request_id": r.Header.Get("X-Request-ID")}
				}),
			},
			wantLogger: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var found bool
			h := Handler(tt.opts...)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				_, found = canonlog.TryGetLogger(r.Context())
				SetError(r, ErrNotFound)
			}))

			req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
			req.Header.Set("X-Request-ID", "test-123")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if found != tt.wantLogger {
				t.Errorf("logger found = %v, want %v", found, tt.wantLogger)
			}
			if rec.Code != http.StatusNotFound {
				t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
			}
		})
	}
}

func TestWithCanonlog_ChiRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Handler(WithCanonlog()))
	r.Get("/users/{id}", func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id")})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/42", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}
