package alert

import (
	"sort"
	"sync"
)

// latencyWindow bounds the number of samples the tracker keeps.
const latencyWindow = 1000

// LatencyStats summarizes the recent replication latency distribution.
type LatencyStats struct {
	Count int
	Min   float64
	Max   float64
	Avg   float64
	P50   float64
	P95   float64
	P99   float64
}

// LatencyTracker keeps a ring of the most recent latency samples in
// milliseconds and computes percentile summaries on demand.
type LatencyTracker struct {
	mu      sync.Mutex
	samples [latencyWindow]float64
	next    int
	count   int
}

// NewLatencyTracker returns an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{}
}

// Record adds one latency sample, evicting the oldest when the window is full.
func (t *LatencyTracker) Record(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples[t.next] = ms
	t.next = (t.next + 1) % latencyWindow
	if t.count < latencyWindow {
		t.count++
	}
}

// Snapshot computes stats over the current window. An empty tracker returns a
// zero LatencyStats.
func (t *LatencyTracker) Snapshot() LatencyStats {
	t.mu.Lock()
	window := make([]float64, t.count)
	copy(window, t.samples[:t.count])
	t.mu.Unlock()

	if len(window) == 0 {
		return LatencyStats{}
	}

	sort.Float64s(window)

	sum := 0.0
	for _, v := range window {
		sum += v
	}

	return LatencyStats{
		Count: len(window),
		Min:   window[0],
		Max:   window[len(window)-1],
		Avg:   sum / float64(len(window)),
		P50:   percentile(window, 0.50),
		P95:   percentile(window, 0.95),
		P99:   percentile(window, 0.99),
	}
}

// percentile reads the p-th percentile from an ascending-sorted slice using
// nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
