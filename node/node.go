// Package node wires a coordinator together: a database image, a
// partitioner, the worker executors and a dispatcher goroutine that moves
// outbound frames into the transport. A Cluster of nodes in one process,
// connected by the loopback transport, is both the test harness and what
// the bench binary runs; a socket transport would slot in behind the same
// Transport interface.
package node

import (
	"runtime"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinysilo/config"
	"github.com/pingcap-incubator/tinysilo/executor"
	"github.com/pingcap-incubator/tinysilo/message"
	"github.com/pingcap-incubator/tinysilo/metrics"
	"github.com/pingcap-incubator/tinysilo/partition"
	"github.com/pingcap-incubator/tinysilo/storage"
	"github.com/pingcap-incubator/tinysilo/workload"
)

// Transport carries a frame toward its destination coordinator.
type Transport interface {
	Send(m *message.Message)
}

// WorkloadFactory builds the workload one worker runs. Production uses the
// YCSB workload; tests substitute their own.
type WorkloadFactory func(coordinatorID, workerID int, ctx *config.Context,
	db *storage.Database, random *workload.Random, part partition.Partitioner, tableID int) executor.Workload

// YCSBWorkload is the default factory.
func YCSBWorkload(coordinatorID, _ int, ctx *config.Context, db *storage.Database,
	random *workload.Random, part partition.Partitioner, tableID int) executor.Workload {
	return workload.New(coordinatorID, ctx, db, random, part, tableID)
}

// Node is one coordinator: its full database image (master partitions and
// replicas alike), its workers and its dispatcher.
type Node struct {
	coordinatorID int
	ctx           *config.Context
	db            *storage.Database
	partitioner   partition.Partitioner
	tableID       int
	executors     []*executor.Executor
	transport     Transport
	wg            sync.WaitGroup
}

func New(coordinatorID int, ctx *config.Context, transport Transport, factory WorkloadFactory) *Node {
	db := storage.NewDatabase()
	tableID := workload.Load(ctx, db)
	part := partition.NewHashReplicatedPartitioner(coordinatorID, ctx.CoordinatorNum, ctx.ReplicaNum)

	n := &Node{
		coordinatorID: coordinatorID,
		ctx:           ctx,
		db:            db,
		partitioner:   part,
		tableID:       tableID,
		transport:     transport,
	}
	for id := 0; id < ctx.WorkerNum; id++ {
		random := workload.NewRandom(uint64(coordinatorID)<<32 | uint64(id+1))
		wl := factory(coordinatorID, id, ctx, db, random, part, tableID)
		n.executors = append(n.executors, executor.New(coordinatorID, id, ctx, db, part, wl, random))
	}
	return n
}

func (n *Node) CoordinatorID() int { return n.coordinatorID }

func (n *Node) Database() *storage.Database { return n.db }

func (n *Node) Partitioner() partition.Partitioner { return n.partitioner }

func (n *Node) TableID() int { return n.tableID }

func (n *Node) Executors() []*executor.Executor { return n.executors }

// Start launches the workers and the dispatcher. The three shared flags
// drive the shutdown handshake; see Cluster.Stop.
func (n *Node) Start(stop, done *atomic.Bool, completed *atomic.Int32) {
	log.Info("node starts",
		zap.Int("coordinator", n.coordinatorID),
		zap.Int("workers", len(n.executors)))
	for _, e := range n.executors {
		e := e
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			e.Start(stop, done, completed)
		}()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.dispatch(done)
	}()
}

// Join blocks until every goroutine Start launched has returned.
func (n *Node) Join() {
	n.wg.Wait()
}

// dispatch moves every flushed frame into the transport. It exits once the
// done flag is up and a full sweep moved nothing, which Cluster.Stop only
// allows after the cluster has quiesced.
func (n *Node) dispatch(done *atomic.Bool) {
	for {
		moved := false
		for _, e := range n.executors {
			for {
				m := e.OutQueue().TryPop()
				if m == nil {
					break
				}
				n.transport.Send(m)
				moved = true
			}
		}
		if moved {
			continue
		}
		if done.Load() {
			return
		}
		runtime.Gosched()
	}
}

// Deliver routes an inbound frame to the worker it is addressed to.
func (n *Node) Deliver(m *message.Message) {
	n.executors[m.Worker()].InQueue().Push(m)
}

// QueuesEmpty reports whether no frame is waiting on any of this node's
// queues.
func (n *Node) QueuesEmpty() bool {
	for _, e := range n.executors {
		if e.InQueue().Len() != 0 || e.OutQueue().Len() != 0 {
			return false
		}
	}
	return true
}

// Cluster runs every coordinator in one process over a loopback transport
// that still round-trips each frame through the wire codec.
type Cluster struct {
	ctx   *config.Context
	nodes []*Node

	stop      *atomic.Bool
	done      *atomic.Bool
	completed *atomic.Int32
}

func NewCluster(ctx *config.Context, factory WorkloadFactory) *Cluster {
	c := &Cluster{
		ctx:       ctx,
		stop:      atomic.NewBool(false),
		done:      atomic.NewBool(false),
		completed: atomic.NewInt32(0),
	}
	for i := 0; i < ctx.CoordinatorNum; i++ {
		c.nodes = append(c.nodes, New(i, ctx, c, factory))
	}
	return c
}

// Send implements Transport over the in-process cluster.
func (c *Cluster) Send(m *message.Message) {
	f, err := message.Unmarshal(m.Marshal())
	if err != nil {
		log.Fatal("undecodable frame", zap.Error(err))
	}
	c.nodes[f.Dest()].Deliver(f)
}

func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

func (c *Cluster) Start() {
	for _, n := range c.nodes {
		n.Start(c.stop, c.done, c.completed)
	}
}

// Stop shuts the cluster down in three steps: raise the stop flag and let
// every worker finish its in-flight transaction, wait for the remaining
// fire-and-forget traffic to quiesce while workers still serve requests,
// then raise done and join everyone.
func (c *Cluster) Stop() {
	c.stop.Store(true)

	total := int32(c.ctx.CoordinatorNum * c.ctx.WorkerNum)
	for c.completed.Load() != total {
		time.Sleep(time.Millisecond)
	}

	idle := 0
	for idle < 3 {
		if c.queuesEmpty() {
			idle++
		} else {
			idle = 0
		}
		time.Sleep(time.Millisecond)
	}

	c.done.Store(true)
	for _, n := range c.nodes {
		n.Join()
	}

	// A frame can slip past a worker's last sweep if the dispatcher was
	// holding it when the queues looked empty. Everyone is parked now, so
	// route and apply the stragglers here; only fire-and-forget pieces can
	// remain at this point.
	for {
		moved := false
		for _, n := range c.nodes {
			for _, e := range n.executors {
				for {
					m := e.OutQueue().TryPop()
					if m == nil {
						break
					}
					c.Send(m)
					moved = true
				}
				if e.Drain() > 0 {
					moved = true
				}
			}
		}
		if !moved {
			return
		}
	}
}

func (c *Cluster) queuesEmpty() bool {
	for _, n := range c.nodes {
		if !n.QueuesEmpty() {
			return false
		}
	}
	return true
}

// Metrics folds every worker's counters into one snapshot.
func (c *Cluster) Metrics() metrics.Snapshot {
	var all []*metrics.Metrics
	for _, n := range c.nodes {
		for _, e := range n.executors {
			all = append(all, e.Metrics())
		}
	}
	return metrics.Sum(all...)
}

// Report logs the cluster-wide totals.
func (c *Cluster) Report(elapsed time.Duration) {
	s := c.Metrics()
	log.Info("cluster totals",
		zap.Int64("commits", s.Commit),
		zap.Int64("abort_lock", s.AbortLock),
		zap.Int64("abort_read_validation", s.AbortReadValidation),
		zap.Int64("abort_no_retry", s.AbortNoRetry),
		zap.Int64("network_bytes", s.NetworkSize),
		zap.Float64("tps", float64(s.Commit)/elapsed.Seconds()))
}
