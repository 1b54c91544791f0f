package node

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinysilo/config"
	"github.com/pingcap-incubator/tinysilo/executor"
	"github.com/pingcap-incubator/tinysilo/occ"
	"github.com/pingcap-incubator/tinysilo/partition"
	"github.com/pingcap-incubator/tinysilo/storage"
	"github.com/pingcap-incubator/tinysilo/txn"
	"github.com/pingcap-incubator/tinysilo/workload"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "cluster made no progress")
		time.Sleep(time.Millisecond)
	}
}

// crossIncWorkload increments one counter row on partition 0 from every
// coordinator. Workers not on the master drive the whole remote path:
// search, lock, write and release all travel as messages. The one read key
// is also written, so validation skips it and sends nothing.
type crossIncWorkload struct {
	coordinatorID int
	tableID       int
}

func crossIncFactory(coordinatorID, _ int, _ *config.Context, _ *storage.Database,
	_ *workload.Random, _ partition.Partitioner, tableID int) executor.Workload {
	return &crossIncWorkload{coordinatorID: coordinatorID, tableID: tableID}
}

func (w *crossIncWorkload) NextTransaction(_ int, _ *workload.Storage, io txn.IO) *txn.Transaction {
	t := txn.New(w.coordinatorID, 0, io)
	t.Procedure = &crossIncProcedure{tableID: w.tableID}
	return t
}

type crossIncProcedure struct {
	tableID int
	in      [8]byte
	out     [8]byte
}

func (p *crossIncProcedure) Execute(t *txn.Transaction) txn.Result {
	t.SearchForRead(p.tableID, 0, workload.Key(0), p.in[:])
	t.ProcessRequests()
	binary.BigEndian.PutUint64(p.out[:], binary.BigEndian.Uint64(p.in[:])+1)
	t.Update(p.tableID, 0, workload.Key(0), p.out[:])
	return txn.ReadyToCommit
}

func TestCrossPartitionCommit(t *testing.T) {
	ctx := config.NewDefaultContext()
	ctx.CoordinatorNum = 2
	ctx.WorkerNum = 1
	ctx.PartitionNum = 2
	ctx.ValueSize = 8
	ctx.KeysPerPartition = 16
	ctx.KeysPerTransaction = 1
	require.NoError(t, ctx.Validate())

	c := NewCluster(ctx, crossIncFactory)
	c.Start()
	waitFor(t, func() bool { return c.Metrics().Commit >= 100 })
	c.Stop()

	s := c.Metrics()
	// Coordinator 1 commits only through remote search, lock and write
	// requests, so messages must have flowed.
	assert.Positive(t, s.NetworkSize)
	remote := c.Node(1).Executors()[0].Metrics()
	assert.Positive(t, remote.NCommit.Load()+remote.NAbortLock.Load()+remote.NAbortReadValidation.Load())

	// The counter on partition 0's master equals the cluster-wide commit
	// count: the committed transactions serialised.
	master := c.Node(0).Database()
	got := make([]byte, 8)
	tid := master.Read(c.Node(0).TableID(), 0, workload.Key(0), got)
	assert.Equal(t, uint64(s.Commit), binary.BigEndian.Uint64(got))
	assert.Equal(t, uint64(s.Commit), occ.GetWts(tid))
	assert.False(t, occ.IsLocked(tid))

	// No lock left behind anywhere.
	for coord := 0; coord < 2; coord++ {
		db := c.Node(coord).Database()
		for p := 0; p < ctx.PartitionNum; p++ {
			for k := 0; k < ctx.KeysPerPartition; k++ {
				meta := db.FindTable(c.Node(coord).TableID(), p).SearchMetadata(workload.Key(uint64(k)))
				assert.False(t, occ.IsLocked(meta.Load()))
			}
		}
	}
}

func TestReplicaConvergence(t *testing.T) {
	ctx := config.NewDefaultContext()
	ctx.CoordinatorNum = 3
	ctx.WorkerNum = 2
	ctx.PartitionNum = 3
	ctx.ReplicaNum = 3
	ctx.ValueSize = 16
	ctx.KeysPerPartition = 64
	ctx.KeysPerTransaction = 4
	ctx.ReadRatio = 50
	ctx.CrossRatio = 20
	require.NoError(t, ctx.Validate())

	c := NewCluster(ctx, YCSBWorkload)
	c.Start()
	waitFor(t, func() bool { return c.Metrics().Commit >= 300 })
	c.Stop()

	s := c.Metrics()
	require.GreaterOrEqual(t, s.Commit, int64(300))

	// With replica-num 3 every committed write fanned out to both other
	// coordinators; once the queues drained, all three images agree on
	// every record's value and write timestamp.
	for p := 0; p < ctx.PartitionNum; p++ {
		for k := 0; k < ctx.KeysPerPartition; k++ {
			key := workload.Key(uint64(k))
			ref := make([]byte, ctx.ValueSize)
			refTid := c.Node(0).Database().Read(c.Node(0).TableID(), p, key, ref)
			require.False(t, occ.IsLocked(refTid))
			for coord := 1; coord < ctx.CoordinatorNum; coord++ {
				got := make([]byte, ctx.ValueSize)
				tid := c.Node(coord).Database().Read(c.Node(coord).TableID(), p, key, got)
				require.Equal(t, occ.GetWts(refTid), occ.GetWts(tid),
					"wts diverged on partition %d key %d", p, k)
				require.Equal(t, ref, got, "value diverged on partition %d key %d", p, k)
			}
		}
	}
}

func TestYCSBClusterRuns(t *testing.T) {
	ctx := config.NewDefaultContext()
	ctx.CoordinatorNum = 2
	ctx.WorkerNum = 2
	ctx.PartitionNum = 4
	ctx.ReplicaNum = 2
	ctx.ValueSize = 16
	ctx.KeysPerPartition = 256
	ctx.KeysPerTransaction = 4
	ctx.CrossRatio = 30
	ctx.LocalIndexRatio = 20
	ctx.ZipfianTheta = 0.7
	require.NoError(t, ctx.Validate())

	c := NewCluster(ctx, YCSBWorkload)
	start := time.Now()
	c.Start()
	waitFor(t, func() bool { return c.Metrics().Commit >= 200 })
	c.Stop()
	c.Report(time.Since(start))

	s := c.Metrics()
	assert.GreaterOrEqual(t, s.Commit, int64(200))
	assert.Zero(t, s.AbortNoRetry)
	assert.Positive(t, s.NetworkSize)
}
