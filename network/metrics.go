package network

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the gateway's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	activeSessions prometheus.Gauge
	sessionsTotal  prometheus.Counter
	authFailures   *prometheus.CounterVec
	frames         *prometheus.CounterVec
	routed         *prometheus.CounterVec
	routerErrors   *prometheus.CounterVec
	replication    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kuno_gateway_active_sessions",
			Help: "Currently registered websocket sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kuno_gateway_sessions_total",
			Help: "Websocket sessions admitted since start.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kuno_gateway_auth_failures_total",
			Help: "Connections closed during the handshake, by reason.",
		}, []string{"reason"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kuno_gateway_frames_total",
			Help: "Inbound envelopes by type.",
		}, []string{"type"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kuno_gateway_routed_messages_total",
			Help: "Routed messages by live delivery outcome.",
		}, []string{"outcome"}),
		routerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kuno_gateway_router_errors_total",
			Help: "Error envelopes sent to clients, by code.",
		}, []string{"code"}),
		replication: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kuno_gateway_replication_total",
			Help: "Storage backend writes by backend and result.",
		}, []string{"backend", "result"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.authFailures,
		m.frames,
		m.routed,
		m.routerErrors,
		m.replication,
	)
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordFrame(msgType string) {
	if m == nil {
		return
	}
	switch msgType {
	case TypeSendMessage, TypeTyping, TypeReadReceipt, TypePresence:
	default:
		msgType = "unknown"
	}
	m.frames.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordRouted(delivered bool) {
	if m == nil {
		return
	}
	outcome := "offline"
	if delivered {
		outcome = "delivered"
	}
	m.routed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRouterError(code string) {
	if m == nil {
		return
	}
	m.routerErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordReplication(backend string, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.replication.WithLabelValues(backend, result).Inc()
}
