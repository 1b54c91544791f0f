package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndSum(t *testing.T) {
	a, b := New(), New()
	a.NCommit.Add(3)
	a.NAbortLock.Inc()
	b.NCommit.Add(2)
	b.NNetworkSize.Add(512)

	s := Sum(a, b)
	assert.Equal(t, int64(5), s.Commit)
	assert.Equal(t, int64(1), s.AbortLock)
	assert.Equal(t, int64(512), s.NetworkSize)
}

func TestLatencySketch(t *testing.T) {
	m := New()
	for i := 1; i <= 1000; i++ {
		m.ObserveLatency(time.Duration(i) * time.Millisecond)
	}
	assert.Equal(t, int64(1000), m.LatencyCount())
	p50 := m.LatencyPercentile(50)
	p99 := m.LatencyPercentile(99)
	assert.InDelta(t, 500, p50.Milliseconds(), 5)
	assert.InDelta(t, 990, p99.Milliseconds(), 10)
	assert.NotEmpty(t, m.LatencySummary())

	// Out-of-range observations clamp instead of erroring.
	m.ObserveLatency(0)
	m.ObserveLatency(2 * time.Minute)
	assert.Equal(t, int64(1002), m.LatencyCount())
}

func TestCollector(t *testing.T) {
	m := New()
	m.NCommit.Add(7)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(m.Snapshot)))

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "tinysilo_commit_total" {
			found = true
			assert.Equal(t, float64(7), f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}
