package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a counter snapshot to prometheus. It pulls through a
// source function so the same collector works for one worker or a whole
// cluster sum.
type Collector struct {
	source func() Snapshot

	commit              *prometheus.Desc
	abortLock           *prometheus.Desc
	abortReadValidation *prometheus.Desc
	abortNoRetry        *prometheus.Desc
	networkSize         *prometheus.Desc
}

func NewCollector(source func() Snapshot) *Collector {
	return &Collector{
		source: source,
		commit: prometheus.NewDesc(
			"tinysilo_commit_total", "Committed transactions.", nil, nil),
		abortLock: prometheus.NewDesc(
			"tinysilo_abort_lock_total", "Transactions aborted on a lock conflict.", nil, nil),
		abortReadValidation: prometheus.NewDesc(
			"tinysilo_abort_read_validation_total", "Transactions aborted on read validation.", nil, nil),
		abortNoRetry: prometheus.NewDesc(
			"tinysilo_abort_no_retry_total", "Transactions aborted by the workload.", nil, nil),
		networkSize: prometheus.NewDesc(
			"tinysilo_network_bytes_total", "Bytes of protocol messages emitted.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.commit
	ch <- c.abortLock
	ch <- c.abortReadValidation
	ch <- c.abortNoRetry
	ch <- c.networkSize
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source()
	ch <- prometheus.MustNewConstMetric(c.commit, prometheus.CounterValue, float64(s.Commit))
	ch <- prometheus.MustNewConstMetric(c.abortLock, prometheus.CounterValue, float64(s.AbortLock))
	ch <- prometheus.MustNewConstMetric(c.abortReadValidation, prometheus.CounterValue, float64(s.AbortReadValidation))
	ch <- prometheus.MustNewConstMetric(c.abortNoRetry, prometheus.CounterValue, float64(s.AbortNoRetry))
	ch <- prometheus.MustNewConstMetric(c.networkSize, prometheus.CounterValue, float64(s.NetworkSize))
}
