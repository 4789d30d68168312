package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_RegistersLazily(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)

	p.MessageDelivered("checkin")
	p.MessageDelivered("checkin")
	p.MessageDropped("announcement")
	p.ConnectionClosed("replaced")
	p.BusConnected(true)
	p.SetConnections(7, 3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.delivered.WithLabelValues("checkin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.dropped.WithLabelValues("announcement")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.closed.WithLabelValues("replaced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.busUp))
	assert.Equal(t, 7.0, testutil.ToFloat64(p.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.stale))

	p.BusConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(p.busUp))
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop{}, OrNop(nil))
	p := NewPrometheus(prometheus.NewRegistry(), "")
	assert.Same(t, p, OrNop(p))
}
