package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orgmesh"

// Metrics groups the mesh collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry.
type Metrics struct {
	registry *prometheus.Registry

	Broadcasts      *prometheus.CounterVec
	HashesReceived  *prometheus.CounterVec
	Mismatches      prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	ConnectedPeers  prometheus.Gauge
	HealthReports   *prometheus.CounterVec
	StateSyncs      *prometheus.CounterVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	startTime time.Time
}

// NewMetrics creates and registers all collectors on reg.
// A nil reg gets a fresh private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),
		Broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_total",
				Help:      "Hash broadcasts issued, by backend and result.",
			},
			[]string{"backend", "result"},
		),
		HashesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hashes_received_total",
				Help:      "Hash gossip messages handled, by origin.",
			},
			[]string{"origin"},
		),
		Mismatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mismatches_total",
				Help:      "Divergences detected between local and peer hashes.",
			},
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Inbound or outbound frames dropped, by reason.",
			},
			[]string{"reason"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Gossip events dropped because the consumer was not keeping up.",
			},
		),
		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected_peers",
				Help:      "Peers currently connected to the transport.",
			},
		),
		HealthReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_reports_total",
				Help:      "Liveness reports sent to the authority, by result.",
			},
			[]string{"result"},
		),
		StateSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_syncs_total",
				Help:      "Full-state merges from peers, by result.",
			},
			[]string{"result"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of ops HTTP requests.",
			},
			[]string{"op", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Latency of ops HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
			},
			[]string{"op"},
		),
	}

	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	reg.MustRegister(
		m.Broadcasts, m.HashesReceived, m.Mismatches, m.FramesDropped,
		m.EventsDropped, m.ConnectedPeers, m.HealthReports, m.StateSyncs,
		m.RequestsTotal, m.RequestDuration, uptime,
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Broadcast counts one hash broadcast on backend, labeled by outcome.
func (m *Metrics) Broadcast(backend string, err error) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(backend, result(err)).Inc()
}

// HashReceived counts an inbound hash, split by self or peer origin.
func (m *Metrics) HashReceived(self bool) {
	if m == nil {
		return
	}
	origin := "peer"
	if self {
		origin = "self"
	}
	m.HashesReceived.WithLabelValues(origin).Inc()
}

// Mismatch counts a detected hash divergence.
func (m *Metrics) Mismatch() {
	if m == nil {
		return
	}
	m.Mismatches.Inc()
}

// FrameDropped counts an inbound frame discarded for reason.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// EventDropped counts an update lost to a full event stream.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// PeerConnected increments the connected peer gauge.
func (m *Metrics) PeerConnected() {
	if m == nil {
		return
	}
	m.ConnectedPeers.Inc()
}

// PeerDisconnected decrements the connected peer gauge.
func (m *Metrics) PeerDisconnected() {
	if m == nil {
		return
	}
	m.ConnectedPeers.Dec()
}

// HealthReport counts one health report to the master, labeled by outcome.
func (m *Metrics) HealthReport(err error) {
	if m == nil {
		return
	}
	m.HealthReports.WithLabelValues(result(err)).Inc()
}

// StateSync counts one full-state merge from a peer, labeled by outcome.
func (m *Metrics) StateSync(err error) {
	if m == nil {
		return
	}
	m.StateSyncs.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// MetricsHandler exposes /metrics for this registry.
func (m *Metrics) MetricsHandler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.RequestsTotal.WithLabelValues(op, class).Inc()
		m.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
