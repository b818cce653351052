package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the signaling core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	connections      prometheus.Gauge
	admissions       *prometheus.CounterVec
	channels         prometheus.Gauge
	inbound          *prometheus.CounterVec
	outbound         *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	calls            *prometheus.CounterVec
	activeCalls      prometheus.Gauge
	queuedCandidates prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg builds working
// collectors that are not exported anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "admissions_total",
			Help:      "Connection gate decisions by result.",
		}, []string{"result"}),
		channels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "channels",
			Help:      "Channels with at least one member.",
		}),
		inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "inbound_events_total",
			Help:      "Client frames received by event name.",
		}, []string{"event"}),
		outbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "outbound_events_total",
			Help:      "Events delivered to clients by event name.",
		}, []string{"event"}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "delivery_failures_total",
			Help:      "Deliveries refused by a full or closed client buffer.",
		}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "calls_total",
			Help:      "Call sessions by outcome.",
		}, []string{"outcome"}),
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "active_calls",
			Help:      "Call sessions currently ringing or connected.",
		}),
		queuedCandidates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "queued_ice_candidates_total",
			Help:      "ICE candidates held until the receiver had a remote description.",
		}),
	}
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) admitted(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) channelsChanged(n int) {
	if m == nil {
		return
	}
	m.channels.Set(float64(n))
}

func (m *Metrics) eventReceived(name string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(name).Inc()
}

func (m *Metrics) eventSent(name string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.outbound.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) deliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) callOutcome(outcome string, active int) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
	m.activeCalls.Set(float64(active))
}

func (m *Metrics) candidateQueued() {
	if m == nil {
		return
	}
	m.queuedCandidates.Inc()
}
