// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matheus3301/gochat/internal/status"
)

// Message outcomes.
const (
	OutcomeSent       = "sent"
	OutcomeReconciled = "reconciled"
	OutcomeFailed     = "failed"
	OutcomeReceived   = "received"
)

// Drop reasons.
const (
	DropMalformed = "malformed"
	DropUnknown   = "unknown_type"
	DropLateEcho  = "late_echo"
	DropStale     = "stale_generation"
)

var stateValues = map[status.State]float64{
	status.Idle:         0,
	status.Connecting:   1,
	status.Open:         2,
	status.Reconnecting: 3,
	status.Closed:       4,
}

// Metrics holds the collectors for one daemon. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	reconnects     prometheus.Counter
	connState      prometheus.Gauge
	messages       *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, alongside the Go runtime
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_frames_received_total",
			Help: "Inbound frames decoded, by type.",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_frames_dropped_total",
			Help: "Inbound frames discarded, by reason.",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gochat_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled after an abnormal close.",
		}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gochat_connection_state",
			Help: "Connection state: 0 idle, 1 connecting, 2 open, 3 reconnecting, 4 closed.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochat_messages_total",
			Help: "Chat messages by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesReceived,
		m.framesDropped,
		m.reconnects,
		m.connState,
		m.messages,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived(typ string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ConnState(s status.State) {
	if m == nil {
		return
	}
	m.connState.Set(stateValues[s])
}

func (m *Metrics) Message(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}
