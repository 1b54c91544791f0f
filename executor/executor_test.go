package executor

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/pingcap-incubator/tinysilo/config"
	"github.com/pingcap-incubator/tinysilo/message"
	"github.com/pingcap-incubator/tinysilo/occ"
	"github.com/pingcap-incubator/tinysilo/partition"
	"github.com/pingcap-incubator/tinysilo/storage"
	"github.com/pingcap-incubator/tinysilo/txn"
	"github.com/pingcap-incubator/tinysilo/workload"
)

func testKey(i uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	return b[:]
}

// incWorkload increments one shared counter row per transaction. With
// several workers hammering it, the final counter value equals the number
// of commits exactly when the committed transactions serialise.
type incWorkload struct {
	coordinatorID int
	tableID       int
}

func (w *incWorkload) NextTransaction(partitionID int, _ *workload.Storage, io txn.IO) *txn.Transaction {
	t := txn.New(w.coordinatorID, partitionID, io)
	t.Procedure = &incProcedure{tableID: w.tableID}
	return t
}

type incProcedure struct {
	tableID int
	in      [8]byte
	out     [8]byte
}

func (p *incProcedure) Execute(t *txn.Transaction) txn.Result {
	t.SearchForRead(p.tableID, 0, testKey(1), p.in[:])
	t.ProcessRequests()
	binary.BigEndian.PutUint64(p.out[:], binary.BigEndian.Uint64(p.in[:])+1)
	t.Update(p.tableID, 0, testKey(1), p.out[:])
	return txn.ReadyToCommit
}

func singleCoordinatorContext(workers int) *config.Context {
	ctx := config.NewDefaultContext()
	ctx.WorkerNum = workers
	ctx.ValueSize = 8
	ctx.KeysPerPartition = 16
	ctx.KeysPerTransaction = 4
	return ctx
}

func runExecutors(t *testing.T, execs []*Executor, enough func() bool) {
	t.Helper()
	stop := atomic.NewBool(false)
	done := atomic.NewBool(false)
	completed := atomic.NewInt32(0)

	var wg sync.WaitGroup
	for _, e := range execs {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Start(stop, done, completed)
		}()
	}

	deadline := time.Now().Add(20 * time.Second)
	for !enough() {
		require.True(t, time.Now().Before(deadline), "workers made no progress")
		time.Sleep(time.Millisecond)
	}
	stop.Store(true)
	for completed.Load() != int32(len(execs)) {
		time.Sleep(time.Millisecond)
	}
	done.Store(true)
	wg.Wait()
}

func TestTwoWorkersSerialiseOnOneCounter(t *testing.T) {
	ctx := singleCoordinatorContext(2)
	require.NoError(t, ctx.Validate())

	db := storage.NewDatabase()
	tableID := db.CreateTable(1, 8)
	db.Insert(tableID, 0, testKey(1), make([]byte, 8))

	part := partition.NewHashPartitioner(0, 1)
	wl := &incWorkload{coordinatorID: 0, tableID: tableID}
	execs := []*Executor{
		New(0, 0, ctx, db, part, wl, workload.NewRandom(1)),
		New(0, 1, ctx, db, part, wl, workload.NewRandom(2)),
	}

	commits := func() int64 {
		return execs[0].Metrics().NCommit.Load() + execs[1].Metrics().NCommit.Load()
	}
	runExecutors(t, execs, func() bool { return commits() >= 200 })

	got := make([]byte, 8)
	tid := db.Read(tableID, 0, testKey(1), got)

	// Exactly one increment survives per commit, and every commit bumped
	// the record's wts by one.
	assert.Equal(t, uint64(commits()), binary.BigEndian.Uint64(got))
	assert.Equal(t, uint64(commits()), occ.GetWts(tid))
	assert.False(t, occ.IsLocked(tid))

	assert.Equal(t, commits(), execs[0].Metrics().LatencyCount()+execs[1].Metrics().LatencyCount())
}

func TestSingleWorkerYCSBNeverConflicts(t *testing.T) {
	ctx := singleCoordinatorContext(1)
	require.NoError(t, ctx.Validate())

	db := storage.NewDatabase()
	tableID := workload.Load(ctx, db)
	part := partition.NewHashPartitioner(0, 1)
	rnd := workload.NewRandom(7)
	wl := workload.New(0, ctx, db, rnd, part, tableID)

	e := New(0, 0, ctx, db, part, wl, rnd)
	runExecutors(t, []*Executor{e}, func() bool { return e.Metrics().NCommit.Load() >= 100 })

	s := e.Metrics().Snapshot()
	assert.GreaterOrEqual(t, s.Commit, int64(100))
	assert.Zero(t, s.AbortLock)
	assert.Zero(t, s.AbortReadValidation)
	assert.Zero(t, s.AbortNoRetry)
	// Single coordinator: no message ever leaves the node.
	assert.Zero(t, s.NetworkSize)
	assert.Equal(t, 0, e.OutQueue().Len())
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(4)
	assert.Nil(t, q.TryPop())

	first := message.New(0, 1, 0)
	second := message.New(0, 1, 0)
	q.Push(first)
	q.Push(second)
	assert.Equal(t, 2, q.Len())
	assert.Same(t, first, q.TryPop())
	assert.Same(t, second, q.TryPop())
	assert.Nil(t, q.TryPop())
}
