package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus collectors. A nil *Metrics is valid
// and records nothing, which tests rely on.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions     prometheus.Gauge
	hubSessions        prometheus.Gauge
	sessionsTotal      *prometheus.CounterVec
	disconnects        *prometheus.CounterVec
	messagesReceived   prometheus.Counter
	messagesSent       prometheus.Counter
	messagesDropped    *prometheus.CounterVec
	backendConnections prometheus.Gauge
	backendFrames      *prometheus.CounterVec
	broadcastFanout    prometheus.Histogram
	historyReplayed    prometheus.Counter
	keepaliveTimeouts  prometheus.Counter
	certRenewals       *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mles_websocket_active_sessions",
			Help: "Number of open WebSocket sessions",
		}),
		hubSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mles_websocket_hub_sessions",
			Help: "Sessions registered with the broadcast hub",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mles_websocket_sessions_total",
			Help: "WebSocket sessions accepted, by mode",
		}, []string{"mode"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mles_websocket_disconnects_total",
			Help: "WebSocket sessions closed, by reason",
		}, []string{"reason"}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mles_websocket_messages_received_total",
			Help: "Messages received from WebSocket clients",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mles_websocket_messages_sent_total",
			Help: "Messages written to WebSocket clients",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mles_websocket_messages_dropped_total",
			Help: "Messages dropped, by reason",
		}, []string{"reason"}),
		backendConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mles_websocket_backend_connections",
			Help: "Open TCP connections to the Mles server",
		}),
		backendFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mles_websocket_backend_frames_total",
			Help: "Frames exchanged with the Mles server, by direction",
		}, []string{"direction"}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mles_websocket_broadcast_fanout",
			Help:    "Recipients per hub broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		historyReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mles_websocket_history_replayed_total",
			Help: "History entries replayed to joining sessions",
		}),
		keepaliveTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mles_websocket_keepalive_timeouts_total",
			Help: "Sessions closed after missing two pongs",
		}),
		certRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mles_websocket_cert_renewals_total",
			Help: "Certificate provisioning attempts, by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions,
		m.hubSessions,
		m.sessionsTotal,
		m.disconnects,
		m.messagesReceived,
		m.messagesSent,
		m.messagesDropped,
		m.backendConnections,
		m.backendFrames,
		m.broadcastFanout,
		m.historyReplayed,
		m.keepaliveTimeouts,
		m.certRenewals,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordHubSessions(count int) {
	if m == nil {
		return
	}
	m.hubSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated(mode Mode) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) RecordSessionDisconnected(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) RecordMessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBackendConnection(open bool) {
	if m == nil {
		return
	}
	if open {
		m.backendConnections.Inc()
	} else {
		m.backendConnections.Dec()
	}
}

func (m *Metrics) RecordFrame(direction string) {
	if m == nil {
		return
	}
	m.backendFrames.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordBroadcast(recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordHistoryReplay(entries int) {
	if m == nil {
		return
	}
	m.historyReplayed.Add(float64(entries))
}

func (m *Metrics) RecordKeepaliveTimeout() {
	if m == nil {
		return
	}
	m.keepaliveTimeouts.Inc()
}

func (m *Metrics) RecordCertRenewal(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.certRenewals.WithLabelValues(result).Inc()
}

// hubMetrics adapts Metrics to the hub, which reports its own session count
type hubMetrics struct {
	*Metrics
}

func (m hubMetrics) RecordActiveSessions(count int) {
	m.Metrics.RecordHubSessions(count)
}
