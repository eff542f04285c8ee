package telemetry

import (
	"testing"

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

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewNilRegistererDisablesMetrics(t *testing.T) {
	m := New(nil)
	require.Nil(t, m)
	// Every method must be a safe no-op on a nil *Metrics.
	m.ConnAccepted()
	m.ConnClosed()
	m.PacketSent()
	m.PacketsLost(3)
	m.CongestionUpdated(1000, 500, 0.05)
	m.ReassemblyGaps(2)
}

func TestMetricsRegistersAllSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 7)
}

func TestConnAcceptedClosedTracksGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnAccepted()
	m.ConnAccepted()
	require.Equal(t, float64(2), gaugeValue(t, m.ConnectionsActive))

	m.ConnClosed()
	require.Equal(t, float64(1), gaugeValue(t, m.ConnectionsActive))
}

func TestPacketsLostIgnoresNonPositiveCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PacketsLost(0)
	require.Equal(t, float64(0), counterValue(t, m.PacketsLostTotal))

	m.PacketsLost(5)
	require.Equal(t, float64(5), counterValue(t, m.PacketsLostTotal))
}

func TestCongestionUpdatedSetsAllThreeGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CongestionUpdated(65536, 12345, 0.123)
	require.Equal(t, float64(65536), gaugeValue(t, m.CwndBytes))
	require.Equal(t, float64(12345), gaugeValue(t, m.BytesInFlight))
	require.Equal(t, 0.123, gaugeValue(t, m.SRTTSeconds))
}

func TestReassemblyGapsSetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ReassemblyGaps(4)
	require.Equal(t, float64(4), gaugeValue(t, m.StreamReassemblyGaps))
}
