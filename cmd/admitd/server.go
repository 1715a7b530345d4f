package main

import (
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nhalm/canonlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/nhalm/admit"
	"github.com/nhalm/admit/config"
	"github.com/nhalm/admit/ratelimit"
)

const maxEvaluateBody = 64 << 10

// server serves the admission API from the current route table.
type server struct {
	routes   atomic.Pointer[routeTable]
	stores   ratelimit.Stores
	metrics  *ratelimit.Metrics
	canonlog bool
	apiKeys  []string
}

func newServer(table *routeTable, stores ratelimit.Stores, metrics *ratelimit.Metrics, cfg config.ServerConfig) *server {
	s := &server{
		stores:   stores,
		metrics:  metrics,
		canonlog: cfg.Canonlog,
		apiKeys:  cfg.APIKeys,
	}
	s.routes.Store(table)
	return s
}

// reload rebuilds the route table from cfg. The current table stays in place
// when any route fails to build.
func (s *server) reload(cfg *config.Config) {
	table, err := buildRoutes(cfg, s.stores, s.metrics)
	if err != nil {
		log.Error().Err(err).Msg("failed to rebuild routes, keeping current routes")
		return
	}
	s.routes.Store(table)
	log.Info().Int("routes", len(table.routes)).Msg("routes reloaded")
}

func (s *server) router(metricsPath string, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		opts := []admit.HandlerOption{}
		if s.canonlog {
			opts = append(opts, admit.WithCanonlog(), admit.WithCanonlogFields(requestFields))
		}
		r.Use(admit.Handler(opts...))

		r.HandleFunc("/check/{route}", s.handleCheck)

		r.Route("/v1", func(r chi.Router) {
			if len(s.apiKeys) > 0 {
				r.Use(admit.APIKey(admit.KeySet(s.apiKeys...)))
			}
			r.Get("/routes", s.handleRoutes)
			r.Get("/evaluate", s.handleEvaluate)
			r.With(admit.MaxBodySize(maxEvaluateBody)).Post("/evaluate", s.handleEvaluate)
		})
	})

	return r
}

func requestFields(r *http.Request) map[string]any {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	return map[string]any{"request_id": id}
}

func (s *server) handleCheck(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "route")
	rt, ok := s.routes.Load().lookup(name)
	if !ok {
		admit.SetError(r, admit.ErrNotFound.WithParam("Unknown route "+name, "route"))
		return
	}
	if _, ok := canonlog.TryGetLogger(r.Context()); ok {
		canonlog.InfoAdd(r.Context(), "ratelimit_route", name)
	}
	rt.check.ServeHTTP(w, r)
}

type evaluateRequest struct {
	Route    string `json:"route" query:"route" validate:"required"`
	Resource string `json:"resource" query:"resource"`
	Caller   string `json:"caller" query:"caller" validate:"required"`
}

type evaluateResponse struct {
	Route        string    `json:"route"`
	Resource     string    `json:"resource"`
	Caller       string    `json:"caller"`
	Algorithm    string    `json:"algorithm"`
	Limited      bool      `json:"limited"`
	Limit        int64     `json:"limit"`
	Remaining    int64     `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	RetryAfterMS int64     `json:"retry_after_ms"`
}

// handleEvaluate evaluates an explicit (resource, caller) pair. The decision
// is reported in the body with status 200 whether or not the caller is limited.
func (s *server) handleEvaluate(_ http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	bind := admit.Query
	if r.Method == http.MethodPost {
		bind = admit.JSON
	}
	if !bind(r, &req) {
		return
	}

	rt, ok := s.routes.Load().lookup(req.Route)
	if !ok {
		admit.SetError(r, admit.ErrNotFound.WithParam("Unknown route "+req.Route, "route"))
		return
	}
	resource := req.Resource
	if resource == "" {
		resource = rt.cfg.ResourceID()
	}

	d, err := rt.limiter.Evaluate(r.Context(), resource, req.Caller)
	if err != nil {
		if _, ok := canonlog.TryGetLogger(r.Context()); ok {
			canonlog.ErrorAdd(r.Context(), err)
		}
		admit.SetError(r, admit.ErrServiceUnavailable.With("Rate limit check failed"))
		return
	}

	admit.SetResponse(r, http.StatusOK, evaluateResponse{
		Route:        req.Route,
		Resource:     resource,
		Caller:       req.Caller,
		Algorithm:    string(rt.limiter.Algorithm()),
		Limited:      d.Limited,
		Limit:        d.Limit,
		Remaining:    d.Remaining,
		ResetAt:      d.ResetAt.UTC(),
		RetryAfterMS: d.RetryAfter.Milliseconds(),
	})
}

type routeInfo struct {
	Name     string           `json:"name"`
	Resource string           `json:"resource"`
	CallerBy []string         `json:"caller_by"`
	Limit    ratelimit.Config `json:"limit"`
}

func (s *server) handleRoutes(_ http.ResponseWriter, r *http.Request) {
	table := s.routes.Load()
	out := make([]routeInfo, 0, len(table.routes))
	for _, rt := range table.routes {
		out = append(out, routeInfo{
			Name:     rt.cfg.Name,
			Resource: rt.cfg.ResourceID(),
			CallerBy: rt.cfg.CallerBy,
			Limit:    rt.limiter.Config(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	admit.SetResponse(r, http.StatusOK, map[string]any{"routes": out})
}
