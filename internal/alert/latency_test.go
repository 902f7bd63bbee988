package alert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLatencySnapshotEmpty(t *testing.T) {
	tr := NewLatencyTracker()
	require.Equal(t, LatencyStats{}, tr.Snapshot())
}

func TestLatencySnapshotStats(t *testing.T) {
	tr := NewLatencyTracker()
	for i := 1; i <= 100; i++ {
		tr.Record(float64(i))
	}

	stats := tr.Snapshot()
	require.Equal(t, 100, stats.Count)
	require.Equal(t, 1.0, stats.Min)
	require.Equal(t, 100.0, stats.Max)
	require.InDelta(t, 50.5, stats.Avg, 1e-9)
	require.Equal(t, 50.0, stats.P50)
	require.Equal(t, 95.0, stats.P95)
	require.Equal(t, 99.0, stats.P99)
}

func TestLatencyWindowEvictsOldest(t *testing.T) {
	tr := NewLatencyTracker()
	for i := 0; i < latencyWindow; i++ {
		tr.Record(1000)
	}
	// Overwrite the whole window with small samples.
	for i := 0; i < latencyWindow; i++ {
		tr.Record(1)
	}

	stats := tr.Snapshot()
	require.Equal(t, latencyWindow, stats.Count)
	require.Equal(t, 1.0, stats.Max)
}
