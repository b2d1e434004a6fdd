package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	if m.Gauge != nil {
		return m.GetGauge().GetValue()
	}
	return m.GetCounter().GetValue()
}

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("ledger:rebuild_snapshots").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("ledger:rebuild_snapshots").End(boom), boom)

	require.Equal(t, 1.0, value(t, m.runs.WithLabelValues("ledger:rebuild_snapshots", "success")))
	require.Equal(t, 1.0, value(t, m.runs.WithLabelValues("ledger:rebuild_snapshots", "failure")))
	require.Positive(t, value(t, m.lastSuccess.WithLabelValues("ledger:rebuild_snapshots")))
}

func TestCountersIgnoreNonPositive(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddRepairedSnapshots(0)
	m.AddRepairedSnapshots(4)
	m.AddPurgedKeys(-1)
	m.AddPurgedKeys(2)
	require.Equal(t, 4.0, value(t, m.repaired))
	require.Equal(t, 2.0, value(t, m.purged))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.AddRepairedSnapshots(3)
	m.AddSkipped("ledger:rebuild_snapshots")
	m.AddPurgedKeys(1)
	require.NoError(t, m.Track("x").End(nil))
}
