// Package metrics defines the Prometheus collectors for the chat relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roomchat"

// Metrics is safe for concurrent use. A nil *Metrics records nothing, so
// components can run without a registry in tests.
type Metrics struct {
	sessions        prometheus.Gauge
	roomMembers     *prometheus.GaugeVec
	messages        *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	dropped         prometheus.Counter
	authFailures    *prometheus.CounterVec
	busErrors       *prometheus.CounterVec
	remoteEvents    prometheus.Counter
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Authenticated websocket sessions on this instance",
		}),
		roomMembers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_members",
			Help:      "Local sessions currently joined to each room",
		}, []string{"room"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Chat messages persisted and broadcast",
		}, []string{"room"}),
		persistFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "History store failures by operation",
		}, []string{"op"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Outbound events dropped because a session queue was full",
		}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected tokens by entry point",
		}, []string{"path"}),
		busErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_errors_total",
			Help:      "Cross-instance bus failures by operation",
		}, []string{"op"}),
		remoteEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_received_total",
			Help:      "Events received from other instances",
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) RoomMembers(room string, n int) {
	if m != nil {
		m.roomMembers.WithLabelValues(room).Set(float64(n))
	}
}

func (m *Metrics) MessageSent(room string) {
	if m != nil {
		m.messages.WithLabelValues(room).Inc()
	}
}

func (m *Metrics) StoreError(op string) {
	if m != nil {
		m.persistFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) AuthFailed(path string) {
	if m != nil {
		m.authFailures.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) BusError(op string) {
	if m != nil {
		m.busErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RemoteEvent() {
	if m != nil {
		m.remoteEvents.Inc()
	}
}
