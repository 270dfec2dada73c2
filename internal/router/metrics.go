package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Routing decisions, used as the "decision" label.
const (
	decisionNoUpstream = "no_upstream"
	decisionNoMatch    = "no_match"
	decisionMethod     = "method"
	decisionTrusted    = "trusted"
	decisionForwarded  = "forwarded"
)

// Metrics records routing decisions. A nil *Metrics records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	forwardErrors prometheus.Counter
	duration      *prometheus.HistogramVec
}

// NewMetrics creates the router collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "frontman",
				Subsystem: "router",
				Name:      "requests_total",
				Help:      "Requests seen by the router, by routing decision",
			},
			[]string{"decision"},
		),
		forwardErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "frontman",
				Subsystem: "router",
				Name:      "forward_errors_total",
				Help:      "Forwarded requests answered with 503 because the companion was unreachable",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "frontman",
				Subsystem: "router",
				Name:      "forward_duration_seconds",
				Help:      "Time spent forwarding a request to the companion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.forwardErrors, m.duration)
	}
	return m
}

func (m *Metrics) decided(decision string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(decision).Inc()
}

func (m *Metrics) forwardFailed() {
	if m == nil {
		return
	}
	m.forwardErrors.Inc()
}

func (m *Metrics) forwarded(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(endpoint).Observe(d.Seconds())
}
