// Package observability holds the Prometheus metrics for the stream relay and
// the guest session sweeper. A nil *Metrics is valid and records nothing.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "synapdocs"

type Metrics struct {
	gatherer prometheus.Gatherer

	StreamsActive    prometheus.Gauge
	Admissions       *prometheus.CounterVec
	StreamOutcomes   *prometheus.CounterVec
	RelayedEvents    prometheus.Counter
	Heartbeats       prometheus.Counter
	GuestSessions    prometheus.Gauge
	GuestSweeps      *prometheus.CounterVec
	TitleGenerations *prometheus.CounterVec
}

// New registers every metric on reg. Passing a fresh registry per test keeps
// registrations from colliding.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Streams currently holding an admission slot",
		}),
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by result",
		}, []string{"result"}),
		StreamOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_outcomes_total",
			Help:      "Finished streams by outcome (finalized, discarded, upstream_error, disconnected, persistence_error)",
		}, []string{"outcome"}),
		RelayedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_events_total",
			Help:      "Upstream events forwarded to clients",
		}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Ping events sent while waiting for upstream data",
		}),
		GuestSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guest_sessions",
			Help:      "Guest sessions currently tracked by the registry",
		}),
		GuestSweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guest_sweeps_total",
			Help:      "Guest session purge attempts by result",
		}, []string{"result"}),
		TitleGenerations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "title_generations_total",
			Help:      "Chat title generation attempts by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
}

func (m *Metrics) StreamEnded(outcome string) {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.StreamOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) EventRelayed() {
	if m == nil {
		return
	}
	m.RelayedEvents.Inc()
}

func (m *Metrics) HeartbeatSent() {
	if m == nil {
		return
	}
	m.Heartbeats.Inc()
}

func (m *Metrics) SetGuestSessions(n int) {
	if m == nil {
		return
	}
	m.GuestSessions.Set(float64(n))
}

func (m *Metrics) GuestSwept(result string) {
	if m == nil {
		return
	}
	m.GuestSweeps.WithLabelValues(result).Inc()
}

func (m *Metrics) TitleGenerated(result string) {
	if m == nil {
		return
	}
	m.TitleGenerations.WithLabelValues(result).Inc()
}
