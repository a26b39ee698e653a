package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.RoomMembers("lobby", 3)
	m.MessageSent("lobby")
	m.MessageSent("lobby")
	m.StoreError("insert")
	m.EventDropped()
	m.AuthFailed("ws")
	m.BusError("publish")
	m.RemoteEvent()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.roomMembers.WithLabelValues("lobby")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("lobby")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistFailures.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authFailures.WithLabelValues("ws")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.busErrors.WithLabelValues("publish")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteEvents))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.RoomMembers("lobby", 1)
		m.MessageSent("lobby")
		m.BusError("subscribe")
	})
}
