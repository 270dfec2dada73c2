package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records supervisor activity in Prometheus collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	state    *prometheus.GaugeVec
	spawns   prometheus.Counter
	restarts prometheus.Counter
	exits    *prometheus.CounterVec
	startup  prometheus.Histogram
}

// NewMetrics creates the supervisor collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "frontman",
				Subsystem: "companion",
				Name:      "state",
				Help:      "Current companion lifecycle state (1 for the active state)",
			},
			[]string{"state"},
		),
		spawns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "frontman",
				Subsystem: "companion",
				Name:      "spawns_total",
				Help:      "Total number of companion processes launched",
			},
		),
		restarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "frontman",
				Subsystem: "companion",
				Name:      "restarts_total",
				Help:      "Total number of companion respawns after a crash",
			},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "frontman",
				Subsystem: "companion",
				Name:      "exits_total",
				Help:      "Total number of companion exits by classification",
			},
			[]string{"class"},
		),
		startup: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "frontman",
				Subsystem: "companion",
				Name:      "startup_duration_seconds",
				Help:      "Time from spawn to the listening address report",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.state, m.spawns, m.restarts, m.exits, m.startup)
	}
	return m
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, candidate := range allStates {
		v := 0.0
		if candidate == s {
			v = 1
		}
		m.state.WithLabelValues(candidate.String()).Set(v)
	}
}

func (m *Metrics) spawned() {
	if m == nil {
		return
	}
	m.spawns.Inc()
}

func (m *Metrics) restarted() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

func (m *Metrics) exited(class string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(class).Inc()
}

func (m *Metrics) ready(d time.Duration) {
	if m == nil {
		return
	}
	m.startup.Observe(d.Seconds())
}
