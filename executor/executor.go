// Package executor runs one worker thread's transaction loop: generate,
// execute, commit, retry on abort, and between all of it drain the inbound
// queue so remote transactions make progress through this worker's
// partitions.
package executor

import (
	"runtime"
	"time"

	"github.com/docker/go-units"
	"github.com/juju/ratelimit"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinysilo/config"
	"github.com/pingcap-incubator/tinysilo/message"
	"github.com/pingcap-incubator/tinysilo/metrics"
	"github.com/pingcap-incubator/tinysilo/partition"
	"github.com/pingcap-incubator/tinysilo/silo"
	"github.com/pingcap-incubator/tinysilo/storage"
	"github.com/pingcap-incubator/tinysilo/txn"
	"github.com/pingcap-incubator/tinysilo/workload"
)

// Workload produces the next executable transaction for a worker.
type Workload interface {
	NextTransaction(partitionID int, st *workload.Storage, io txn.IO) *txn.Transaction
}

// Executor owns one worker's whole execution state: the in-flight
// transaction, one outbound frame per peer coordinator, the handler table
// and both queue ends. Nothing here is shared with other workers; the
// tables and the queues' far ends are the only common ground.
type Executor struct {
	coordinatorID int
	id            int

	ctx         *config.Context
	db          *storage.Database
	partitioner partition.Partitioner
	protocol    *silo.Protocol
	workload    Workload
	random      *workload.Random
	buffers     *workload.Storage
	stats       *metrics.Metrics

	transaction *txn.Transaction
	messages    []*message.Message
	handlers    []silo.HandlerFunc

	inQueue  *Queue
	outQueue *Queue
	limiter  *ratelimit.Bucket
}

func New(coordinatorID, id int, ctx *config.Context, db *storage.Database,
	partitioner partition.Partitioner, wl Workload, random *workload.Random) *Executor {
	e := &Executor{
		coordinatorID: coordinatorID,
		id:            id,
		ctx:           ctx,
		db:            db,
		partitioner:   partitioner,
		protocol:      silo.New(db, partitioner, coordinatorID),
		workload:      wl,
		random:        random,
		buffers:       workload.NewStorage(ctx),
		stats:         metrics.New(),
		handlers:      silo.Handlers(),
		inQueue:       NewQueue(0),
		outQueue:      NewQueue(0),
	}
	e.messages = make([]*message.Message, ctx.CoordinatorNum)
	for i := range e.messages {
		e.messages[i] = message.New(coordinatorID, i, id)
	}
	if ctx.MaxTransactionsPerSecond > 0 {
		rate := float64(ctx.MaxTransactionsPerSecond)
		e.limiter = ratelimit.NewBucketWithRate(rate, int64(ctx.MaxTransactionsPerSecond))
	}
	return e
}

func (e *Executor) ID() int { return e.id }

func (e *Executor) InQueue() *Queue { return e.inQueue }

func (e *Executor) OutQueue() *Queue { return e.outQueue }

func (e *Executor) Metrics() *metrics.Metrics { return e.stats }

// Drain processes whatever sits in the inbound queue. The coordinator uses
// it after the workers have exited to apply late fire-and-forget pieces.
func (e *Executor) Drain() int { return e.processRequests() }

// Start runs the worker loop until stop is raised, then keeps serving
// inbound requests until done is raised; completed is incremented in
// between so the coordinator can tell when every worker has finished its
// own transactions. Peers may still be mid-commit against our partitions
// when our loop ends, which is why the serve phase exists.
func (e *Executor) Start(stop, done *atomic.Bool, completed *atomic.Int32) {
	log.Info("executor starts",
		zap.Int("coordinator", e.coordinatorID), zap.Int("worker", e.id))

	retry := false
	var lastSeed uint64

	for !stop.Load() {
		e.processRequests()

		if e.limiter != nil && !retry {
			e.limiter.Wait(1)
		}

		lastSeed = e.random.Seed()

		if retry {
			e.transaction.Reset()
		} else {
			e.transaction = e.workload.NextTransaction(e.ownedPartition(), e.buffers, e)
		}

		result := e.transaction.Execute()
		if result != txn.ReadyToCommit {
			e.stats.NAbortNoRetry.Inc()
			retry = false
			continue
		}

		if e.protocol.Commit(e.transaction, e.messages) {
			e.stats.NCommit.Inc()
			e.stats.NNetworkSize.Add(e.transaction.NetworkSize)
			e.stats.ObserveLatency(time.Since(e.transaction.StartTime))
			retry = false
			continue
		}

		switch {
		case e.transaction.AbortLock:
			e.stats.NAbortLock.Inc()
		case e.transaction.AbortReadValidation:
			e.stats.NAbortReadValidation.Inc()
		default:
			panic(errors.Errorf("commit failed with no abort flag raised"))
		}
		e.stats.NNetworkSize.Add(e.transaction.NetworkSize)
		e.random.SetSeed(lastSeed)
		retry = true
	}

	e.transaction = nil
	completed.Inc()

	for !done.Load() {
		if e.processRequests() == 0 {
			runtime.Gosched()
		}
	}
	e.processRequests()

	log.Info("executor exits",
		zap.Int("coordinator", e.coordinatorID), zap.Int("worker", e.id),
		zap.Int64("commits", e.stats.NCommit.Load()),
		zap.String("latency", e.stats.LatencySummary()),
		zap.String("network", units.BytesSize(float64(e.stats.NNetworkSize.Load()))))
}

// ownedPartition picks uniformly over the partitions this coordinator
// masters.
func (e *Executor) ownedPartition() int {
	perNode := e.ctx.PartitionsPerCoordinator()
	return int(e.random.Uniform(0, int64(perNode-1)))*e.ctx.CoordinatorNum + e.coordinatorID
}

// processRequests drains the inbound queue, dispatching every piece to its
// handler and flushing any responses the handlers appended. This is the
// only place remote requests run on this worker, so every wait loop in the
// protocol funnels through here.
func (e *Executor) processRequests() int {
	size := 0
	for {
		m := e.inQueue.TryPop()
		if m == nil {
			break
		}
		it := m.Iter()
		for it.Next() {
			piece := it.Piece()
			if int(piece.Type) >= len(e.handlers) || e.handlers[piece.Type] == nil {
				panic(errors.Errorf("no handler for message type %d", piece.Type))
			}
			tbl := e.db.FindTable(piece.TableID, piece.PartitionID)
			e.handlers[piece.Type](piece, e.messages[m.Source()], tbl, e.transaction)
		}
		size += m.Count()
		e.flushMessages()
	}
	return size
}

// flushMessages hands every non-empty outbound frame to the I/O layer and
// replaces it with a fresh one.
func (e *Executor) flushMessages() {
	for i := range e.messages {
		if i == e.coordinatorID || e.messages[i].Count() == 0 {
			continue
		}
		e.outQueue.Push(e.messages[i])
		e.messages[i] = message.New(e.coordinatorID, i, e.id)
	}
}

// Read implements txn.IO: local masters and index reads resolve against the
// table; everything else becomes a search request to the partition master.
func (e *Executor) Read(tableID, partitionID, keyOffset int, key, value []byte, localIndexRead bool) (uint64, bool) {
	if localIndexRead {
		return e.db.ReadIndex(tableID, partitionID, key, value), false
	}
	if e.partitioner.HasMasterPartition(partitionID) {
		return e.protocol.Search(tableID, partitionID, key, value), false
	}
	tbl := e.db.FindTable(tableID, partitionID)
	master := e.partitioner.MasterCoordinator(partitionID)
	e.transaction.NetworkSize += int64(message.NewSearchRequest(e.messages[master], tbl, key, keyOffset))
	return 0, true
}

// Pump implements txn.IO.
func (e *Executor) Pump() int { return e.processRequests() }

// Flush implements txn.IO.
func (e *Executor) Flush() { e.flushMessages() }
