package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestRecordHeartbeatUpdatesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewConnection(reg)

	sentAt := time.Now().Add(-50 * time.Millisecond)
	c.RecordHeartbeat("peer-1", sentAt)

	rtt := gaugeValue(t, c.RTTMillis.WithLabelValues("peer-1"))
	require.GreaterOrEqual(t, rtt, float64(40))

	lastHeartbeat := gaugeValue(t, c.LastHeartbeat.WithLabelValues("peer-1"))
	require.Greater(t, lastHeartbeat, float64(0))
}
