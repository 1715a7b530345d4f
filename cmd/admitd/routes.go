package main

import (
	"fmt"
	"net/http"

	"github.com/nhalm/admit"
	"github.com/nhalm/admit/config"
	"github.com/nhalm/admit/ratelimit"
)

// route is one configured limit with its limiter and /check handler.
type route struct {
	cfg     config.RouteConfig
	limiter *ratelimit.Limiter
	check   http.Handler
}

// routeTable is an immutable set of routes. Reloads build a new table and swap
// it in whole.
type routeTable struct {
	routes map[string]*route
}

func (t *routeTable) lookup(name string) (*route, bool) {
	rt, ok := t.routes[name]
	return rt, ok
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	Route   string `json:"route"`
}

// buildRoutes builds a limiter and a /check handler for every configured route.
// All limiters share stores and metrics, so counters survive a reload that
// leaves a route's algorithm and window unchanged.
func buildRoutes(cfg *config.Config, stores ratelimit.Stores, metrics *ratelimit.Metrics) (*routeTable, error) {
	table := &routeTable{routes: make(map[string]*route, len(cfg.Routes))}

	for _, rc := range cfg.Routes {
		limiter, err := ratelimit.New(rc.Limit, stores, ratelimit.WithMetrics(metrics))
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.Name, err)
		}

		opts, err := middlewareOptions(rc)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.Name, err)
		}

		name := rc.Name
		allowed := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			admit.SetResponse(r, http.StatusOK, checkResponse{Allowed: true, Route: name})
		})

		table.routes[rc.Name] = &route{
			cfg:     rc,
			limiter: limiter,
			check:   admit.NewRateLimiter(limiter, opts...).Handler(allowed),
		}
	}
	return table, nil
}

// middlewareOptions maps a route's caller dimensions, header mode and failure
// policy to rate limiter middleware options.
func middlewareOptions(rc config.RouteConfig) ([]admit.RateLimitOption, error) {
	dims, err := rc.CallerDimensions()
	if err != nil {
		return nil, err
	}

	opts := []admit.RateLimitOption{admit.RateLimitWithResourceName(rc.ResourceID())}

	for _, d := range dims {
		switch d.Kind {
		case config.CallerIP:
			opts = append(opts, admit.RateLimitWithIP())
		case config.CallerRealIP:
			if rc.RequireCaller {
				opts = append(opts, admit.RateLimitWithRealIPRequired())
			} else {
				opts = append(opts, admit.RateLimitWithRealIP())
			}
		case config.CallerHeader:
			if rc.RequireCaller {
				opts = append(opts, admit.RateLimitWithHeaderRequired(d.Name))
			} else {
				opts = append(opts, admit.RateLimitWithHeader(d.Name))
			}
		case config.CallerQuery:
			if rc.RequireCaller {
				opts = append(opts, admit.RateLimitWithQueryParamRequired(d.Name))
			} else {
				opts = append(opts, admit.RateLimitWithQueryParam(d.Name))
			}
		default:
			return nil, fmt.Errorf("unknown caller dimension %q", d.Kind)
		}
	}

	switch rc.Headers {
	case "on_limit":
		opts = append(opts, admit.RateLimitWithHeaderMode(admit.RateLimitHeadersOnLimitExceeded))
	case "never":
		opts = append(opts, admit.RateLimitWithHeaderMode(admit.RateLimitHeadersNever))
	default:
		opts = append(opts, admit.RateLimitWithHeaderMode(admit.RateLimitHeadersAlways))
	}

	if rc.FailOpen {
		opts = append(opts, admit.RateLimitWithFailurePolicy(admit.FailOpen))
	}
	return opts, nil
}
