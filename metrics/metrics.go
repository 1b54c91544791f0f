package metrics

import (
	"fmt"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/atomic"
)

// Metrics is one worker's counter set and latency sketch. The counters are
// atomic so reporters may read them live; the histogram is written only by
// the owning worker and read after it has exited.
type Metrics struct {
	NCommit              atomic.Int64
	NAbortLock           atomic.Int64
	NAbortReadValidation atomic.Int64
	NAbortNoRetry        atomic.Int64
	NNetworkSize         atomic.Int64

	hist *hdrhistogram.Histogram
}

// Latencies are tracked in microseconds up to a minute; anything slower is
// clamped into the top bucket.
const maxLatencyUs = 60 * 1000 * 1000

func New() *Metrics {
	return &Metrics{
		hist: hdrhistogram.New(1, maxLatencyUs, 3),
	}
}

// ObserveLatency records one committed transaction's end-to-end latency.
func (m *Metrics) ObserveLatency(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if us > maxLatencyUs {
		us = maxLatencyUs
	}
	_ = m.hist.RecordValue(us)
}

// LatencyPercentile returns the p-th percentile of observed latencies.
func (m *Metrics) LatencyPercentile(p float64) time.Duration {
	return time.Duration(m.hist.ValueAtQuantile(p)) * time.Microsecond
}

// LatencySummary formats the percentile sketch the way the end-of-run
// report prints it.
func (m *Metrics) LatencySummary() string {
	return fmt.Sprintf("%v (50%%) %v (75%%) %v (95%%) %v (99%%) %v (99.9%%)",
		m.LatencyPercentile(50), m.LatencyPercentile(75), m.LatencyPercentile(95),
		m.LatencyPercentile(99), m.LatencyPercentile(99.9))
}

// LatencyCount returns the number of recorded latencies.
func (m *Metrics) LatencyCount() int64 {
	return m.hist.TotalCount()
}

// Snapshot is a consistent-enough copy of the counters for reporting.
type Snapshot struct {
	Commit              int64
	AbortLock           int64
	AbortReadValidation int64
	AbortNoRetry        int64
	NetworkSize         int64
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Commit:              m.NCommit.Load(),
		AbortLock:           m.NAbortLock.Load(),
		AbortReadValidation: m.NAbortReadValidation.Load(),
		AbortNoRetry:        m.NAbortNoRetry.Load(),
		NetworkSize:         m.NNetworkSize.Load(),
	}
}

// Sum folds worker snapshots into a cluster-wide one.
func Sum(ms ...*Metrics) Snapshot {
	var out Snapshot
	for _, m := range ms {
		s := m.Snapshot()
		out.Commit += s.Commit
		out.AbortLock += s.AbortLock
		out.AbortReadValidation += s.AbortReadValidation
		out.AbortNoRetry += s.AbortNoRetry
		out.NetworkSize += s.NetworkSize
	}
	return out
}
