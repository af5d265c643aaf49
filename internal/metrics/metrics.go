// Package metrics defines the Prometheus collectors exported by the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orbit"

// Metrics groups every collector. Components take a *Metrics; a nil value is
// replaced by an unregistered set via OrNop.
type Metrics struct {
	Connections        prometheus.Gauge
	Memberships        prometheus.Gauge
	EventsPublished    *prometheus.CounterVec
	FramesDelivered    prometheus.Counter
	FramesDropped      prometheus.Counter
	BackendFailures    *prometheus.CounterVec
	RemoteEnvelopes    prometheus.Counter
	PresenceChanges    *prometheus.CounterVec
	ThreadRaces        prometheus.Counter
	RejectedHandshakes *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live WebSocket connections on this instance.",
		}),
		Memberships: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_memberships",
			Help:      "Connection-room memberships on this instance.",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published to rooms, by event name.",
		}, []string{"event"}),
		FramesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Frames enqueued to local connections.",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a connection buffer was full.",
		}),
		BackendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_backend_failures_total",
			Help:      "Cross-process backend failures, by operation.",
		}, []string{"op"}),
		RemoteEnvelopes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_remote_envelopes_total",
			Help:      "Envelopes received from other instances.",
		}),
		PresenceChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_transitions_total",
			Help:      "Presence transitions, by status.",
		}, []string{"status"}),
		ThreadRaces: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dm_thread_races_total",
			Help:      "Concurrent thread creations resolved by re-query.",
		}),
		RejectedHandshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_handshakes_total",
			Help:      "WebSocket handshakes rejected before upgrade, by reason.",
		}, []string{"reason"}),
	}
}

// OrNop returns m, or an unregistered set when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}

// Handler serves the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
