package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Context is the immutable run configuration. It is built once at startup,
// validated, and shared read-only by every worker.
type Context struct {
	LogLevel string `toml:"log-level"`

	CoordinatorNum int `toml:"coordinator-num"`
	WorkerNum      int `toml:"worker-num"`
	PartitionNum   int `toml:"partition-num"`
	ReplicaNum     int `toml:"replica-num"`

	// Workload shape.
	KeysPerPartition   int     `toml:"keys-per-partition"`
	KeysPerTransaction int     `toml:"keys-per-transaction"`
	ValueSize          int     `toml:"value-size"`
	ReadRatio          int     `toml:"read-ratio"`           // percent of accesses that stay read-only
	CrossRatio         int     `toml:"cross-ratio"`          // percent of transactions touching a second partition
	LocalIndexRatio    int     `toml:"local-index-ratio"`    // percent of read-only accesses served by the local index
	ZipfianTheta       float64 `toml:"zipfian-theta"`        // 0 means uniform

	// MaxTransactionsPerSecond throttles each worker's generation rate.
	// Zero runs unpaced.
	MaxTransactionsPerSecond int `toml:"max-transactions-per-second"`

	// MetricsAddr, when set, serves prometheus metrics over HTTP.
	MetricsAddr string `toml:"metrics-addr"`
}

func NewDefaultContext() *Context {
	return &Context{
		LogLevel:           "info",
		CoordinatorNum:     1,
		WorkerNum:          1,
		PartitionNum:       1,
		ReplicaNum:         1,
		KeysPerPartition:   200000,
		KeysPerTransaction: 10,
		ValueSize:          100,
		ReadRatio:          80,
		CrossRatio:         10,
		LocalIndexRatio:    0,
		ZipfianTheta:       0,
	}
}

func (c *Context) Validate() error {
	if c.CoordinatorNum < 1 || c.WorkerNum < 1 || c.PartitionNum < 1 {
		return errors.Errorf("coordinator, worker and partition counts must be positive")
	}
	if c.PartitionNum%c.CoordinatorNum != 0 {
		return errors.Errorf("partition num %d must divide evenly over %d coordinators",
			c.PartitionNum, c.CoordinatorNum)
	}
	if c.ReplicaNum < 1 || c.ReplicaNum > c.CoordinatorNum {
		return errors.Errorf("replica num %d out of range for %d coordinators",
			c.ReplicaNum, c.CoordinatorNum)
	}
	if c.KeysPerTransaction < 1 || c.KeysPerTransaction > c.KeysPerPartition {
		return errors.Errorf("keys per transaction %d out of range", c.KeysPerTransaction)
	}
	if c.ValueSize < 8 {
		return errors.Errorf("value size %d below the 8-byte minimum", c.ValueSize)
	}
	for _, r := range []int{c.ReadRatio, c.CrossRatio, c.LocalIndexRatio} {
		if r < 0 || r > 100 {
			return errors.Errorf("ratio %d is not a percentage", r)
		}
	}
	if c.ZipfianTheta < 0 || c.ZipfianTheta >= 1 {
		return errors.Errorf("zipfian theta %f must be in [0, 1)", c.ZipfianTheta)
	}
	return nil
}

// PartitionsPerCoordinator is the number of partitions each coordinator
// masters.
func (c *Context) PartitionsPerCoordinator() int {
	return c.PartitionNum / c.CoordinatorNum
}

// FromFile loads a Context from a TOML file on top of the defaults.
func FromFile(path string) (*Context, error) {
	c := NewDefaultContext()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}
