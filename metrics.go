package marketsync

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
//
// Labels stay bounded: event kinds, mutation kinds and triggers are closed
// sets defined in this package.
type Metrics struct {
	eventsApplied   *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	mutations       *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	connected       prometheus.Gauge
	unread          *prometheus.GaugeVec

	// Snapshots are delivered outside the store lock; gauges only move
	// forward in version.
	mu      sync.Mutex
	version uint64
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "marketsync",
				Name:      "events_applied_total",
				Help:      "Events reduced into client state by kind and source.",
			},
			[]string{"kind", "source"},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "marketsync",
				Name:      "events_dropped_total",
				Help:      "Push events dropped before reaching state.",
			},
			[]string{"reason"},
		),
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "marketsync",
				Name:      "mutations_total",
				Help:      "Optimistic mutations by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "marketsync",
				Name:      "reconciliations_total",
				Help:      "Authoritative refetches by trigger and outcome.",
			},
			[]string{"trigger", "outcome"},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "marketsync",
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of authoritative refetches.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "marketsync",
				Name:      "connected",
				Help:      "1 while the push transport is connected.",
			},
		),
		unread: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "marketsync",
				Name:      "unread",
				Help:      "Current unread counts.",
			},
			[]string{"feed"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.eventsApplied, m.eventsDropped, m.mutations,
			m.reconciliations, m.fetchDuration, m.connected, m.unread)
	}
	return m
}

func (m *Metrics) eventApplied(kind EventKind, src source) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(string(kind), src.String()).Inc()
}

func (m *Metrics) eventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) mutation(kind MutationKind, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) reconciliation(t Trigger, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(string(t), outcome).Inc()
	if took > 0 {
		m.fetchDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) observeSnapshot(s Snapshot) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Version < m.version {
		return
	}
	m.version = s.Version
	if s.Connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
	m.unread.WithLabelValues("notifications").Set(float64(s.UnreadCount))
	msgs := 0
	for _, c := range s.Conversations {
		msgs += c.UnreadCount
	}
	m.unread.WithLabelValues("messages").Set(float64(msgs))
}
