package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Inbound backend messages
	MessagesReceived atomic.Uint64
	MessagesDropped  atomic.Uint64 // malformed
	MessagesIgnored  atomic.Uint64 // unknown type

	// Connection lifecycle
	ConnectAttempts atomic.Uint64
	ConnectFailures atomic.Uint64
	Reconnects      atomic.Uint64
	Fallbacks       atomic.Uint64
	ConnectionState atomic.Uint64 // conn.Status value

	// Detection pipeline
	DetectionsSeen     atomic.Uint64
	DetectionsFiltered atomic.Uint64 // outside every zone
	EventsRecorded     atomic.Uint64
	EventsEvicted      atomic.Uint64
	SnapshotFailures   atomic.Uint64
	AlertsRaised       atomic.Uint64

	// Latency tracking
	MessageLatencyMs atomic.Uint64 // receive to publish, last message

	// SSE client tracking
	ActiveClients atomic.Uint64
	TotalClients  atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	// Message metrics
	m.gauge("sniper_messages_received_total", "Detection messages accepted from the backend", &m.MessagesReceived)
	m.gauge("sniper_messages_dropped_total", "Malformed backend messages dropped", &m.MessagesDropped)
	m.gauge("sniper_messages_ignored_total", "Backend messages with an unknown type", &m.MessagesIgnored)

	// Connection metrics
	m.gauge("sniper_connect_attempts_total", "Dial attempts against the backend", &m.ConnectAttempts)
	m.gauge("sniper_connect_failures_total", "Failed dial attempts", &m.ConnectFailures)
	m.gauge("sniper_reconnects_total", "Connections lost while connected", &m.Reconnects)
	m.gauge("sniper_fallbacks_total", "Sessions served by the fallback transport", &m.Fallbacks)
	m.gauge("sniper_connection_state", "0=disconnected 1=connecting 2=connected 3=reconnecting", &m.ConnectionState)

	// Pipeline metrics
	m.gauge("sniper_detections_total", "Detections received", &m.DetectionsSeen)
	m.gauge("sniper_detections_zone_filtered_total", "Detections outside every zone", &m.DetectionsFiltered)
	m.gauge("sniper_events_recorded_total", "Events recorded", &m.EventsRecorded)
	m.gauge("sniper_events_evicted_total", "Events evicted by the log cap", &m.EventsEvicted)
	m.gauge("sniper_snapshot_failures_total", "Snapshots that could not be stored", &m.SnapshotFailures)
	m.gauge("sniper_alerts_total", "Alerts raised", &m.AlertsRaised)

	// Latency metrics
	m.gauge("sniper_message_latency_ms", "Receive to publish latency of the last message", &m.MessageLatencyMs)

	// Client metrics
	m.gauge("sniper_active_clients", "Number of active SSE clients", &m.ActiveClients)
	m.gauge("sniper_total_clients", "Total SSE clients connected", &m.TotalClients)
}

// UpdateMessageLatency records how long the last message took to process.
func (m *Metrics) UpdateMessageLatency(received time.Time) {
	m.MessageLatencyMs.Store(uint64(time.Since(received).Milliseconds()))
}

// ClientConnected tracks a new streaming client.
func (m *Metrics) ClientConnected() {
	m.ActiveClients.Add(1)
	m.TotalClients.Add(1)
}

// ClientDisconnected tracks a streaming client leaving.
func (m *Metrics) ClientDisconnected() {
	m.ActiveClients.Add(^uint64(0))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts a dedicated metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
