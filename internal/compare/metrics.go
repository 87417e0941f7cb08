package compare

import (
	"sort"
	"sync/atomic"
	"time"

	"tailscale.com/util/ringbuffer"
)

// DefaultHistory is the number of comparison durations kept by NewMetrics.
const DefaultHistory = 512

// Metrics keeps a bounded history of comparison durations. It is owned by
// the caller and shared with the comparator through WithMetrics.
type Metrics struct {
	history *ringbuffer.RingBuffer[time.Duration]
	total   uint64
}

// MetricsSnapshot summarizes the retained history.
type MetricsSnapshot struct {
	Total   uint64        `json:"total"`
	Samples int           `json:"samples"`
	Mean    time.Duration `json:"mean_ns"`
	P95     time.Duration `json:"p95_ns"`
	Max     time.Duration `json:"max_ns"`
	Last    time.Duration `json:"last_ns"`
}

// NewMetrics creates a metrics object retaining up to size samples.
func NewMetrics(size int) *Metrics {
	if size <= 0 {
		size = DefaultHistory
	}
	return &Metrics{history: ringbuffer.New[time.Duration](size)}
}

// Observe records one comparison duration.
func (m *Metrics) Observe(d time.Duration) {
	m.history.Add(d)
	atomic.AddUint64(&m.total, 1)
}

// Durations returns the retained samples, oldest first.
func (m *Metrics) Durations() []time.Duration {
	return m.history.GetAll()
}

// Reset drops the retained samples.
func (m *Metrics) Reset() {
	m.history.Clear()
}

// Snapshot computes summary statistics over the retained samples.
func (m *Metrics) Snapshot() MetricsSnapshot {
	samples := m.history.GetAll()
	s := MetricsSnapshot{
		Total:   atomic.LoadUint64(&m.total),
		Samples: len(samples),
	}
	if len(samples) == 0 {
		return s
	}
	s.Last = samples[len(samples)-1]

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	s.Mean = sum / time.Duration(len(samples))

	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	s.Max = sorted[len(sorted)-1]
	idx := int(float64(len(sorted))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	s.P95 = sorted[idx]
	return s
}
