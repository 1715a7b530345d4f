package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nhalm/admit/store"
)

// Metrics holds the Prometheus collectors shared by limiters. A nil *Metrics
// records nothing.
type Metrics struct {
	decisions   *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics registers the limiter collectors with reg. Passing nil registers
// nothing but still returns usable collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admit_ratelimit_decisions_total",
				Help: "Total number of rate limit decisions",
			},
			[]string{"algorithm", "result"},
		),

		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admit_ratelimit_store_errors_total",
				Help: "Total number of failed rate limit evaluations by cause",
			},
			[]string{"algorithm", "kind"},
		),

		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admit_ratelimit_evaluate_duration_seconds",
				Help:    "Duration of rate limit evaluations",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"algorithm"},
		),
	}
}

func (m *Metrics) observe(algorithm Algorithm, d Decision, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	alg := string(algorithm)
	m.duration.WithLabelValues(alg).Observe(elapsed.Seconds())

	if err != nil {
		m.storeErrors.WithLabelValues(alg, errorKind(err)).Inc()
		m.decisions.WithLabelValues(alg, "error").Inc()
		return
	}
	if d.Limited {
		m.decisions.WithLabelValues(alg, "limited").Inc()
		return
	}
	m.decisions.WithLabelValues(alg, "allowed").Inc()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, store.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, store.ErrContention):
		return "contention"
	case errors.Is(err, store.ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
