// Package workload generates YCSB-style read-modify-write transactions over
// a single keyed table: a handful of point accesses per transaction, a
// configurable read/write mix, optional cross-partition accesses and
// optional zipfian skew. Generation is a pure function of the Random's
// state, which is what makes saved-seed retries reproduce the exact same
// program.
package workload

import (
	"encoding/binary"

	"github.com/pingcap-incubator/tinysilo/config"
	"github.com/pingcap-incubator/tinysilo/partition"
	"github.com/pingcap-incubator/tinysilo/storage"
	"github.com/pingcap-incubator/tinysilo/txn"
)

// Storage is a worker's preallocated access buffers: one key, read-value
// and update-value slot per possible access. Transactions alias these
// buffers, so a Storage serves one transaction at a time.
type Storage struct {
	keys    [][]byte
	values  [][]byte
	updates [][]byte
}

func NewStorage(ctx *config.Context) *Storage {
	s := &Storage{
		keys:    make([][]byte, ctx.KeysPerTransaction),
		values:  make([][]byte, ctx.KeysPerTransaction),
		updates: make([][]byte, ctx.KeysPerTransaction),
	}
	for i := 0; i < ctx.KeysPerTransaction; i++ {
		s.keys[i] = make([]byte, 8)
		s.values[i] = make([]byte, ctx.ValueSize)
		s.updates[i] = make([]byte, ctx.ValueSize)
	}
	return s
}

// Key encodes a key index as the fixed 8-byte key.
func Key(idx uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], idx)
	return b[:]
}

// Load materialises the table and fills every partition with
// KeysPerPartition rows. Every coordinator loads the identical image; the
// partitioner decides which copies count.
func Load(ctx *config.Context, db *storage.Database) int {
	tableID := db.CreateTable(ctx.PartitionNum, ctx.ValueSize)
	value := make([]byte, ctx.ValueSize)
	for p := 0; p < ctx.PartitionNum; p++ {
		for k := 0; k < ctx.KeysPerPartition; k++ {
			binary.BigEndian.PutUint64(value, uint64(k))
			db.Insert(tableID, p, Key(uint64(k)), value)
		}
	}
	return tableID
}

type access struct {
	partitionID int
	key         uint64
	update      bool
	localIndex  bool
}

// Workload produces executable transactions for one worker.
type Workload struct {
	coordinatorID int
	ctx           *config.Context
	db            *storage.Database
	random        *Random
	partitioner   partition.Partitioner
	tableID       int
	keyGen        Generator
}

func New(coordinatorID int, ctx *config.Context, db *storage.Database, random *Random, partitioner partition.Partitioner, tableID int) *Workload {
	var keyGen Generator
	if ctx.ZipfianTheta > 0 {
		keyGen = NewZipfian(0, int64(ctx.KeysPerPartition-1), ctx.ZipfianTheta)
	} else {
		keyGen = NewUniform(0, int64(ctx.KeysPerPartition-1))
	}
	return &Workload{
		coordinatorID: coordinatorID,
		ctx:           ctx,
		db:            db,
		random:        random,
		partitioner:   partitioner,
		tableID:       tableID,
		keyGen:        keyGen,
	}
}

// NextTransaction generates the next transaction's whole program up front
// from the current Random state and wraps it in an executable procedure.
func (w *Workload) NextTransaction(partitionID int, st *Storage, io txn.IO) *txn.Transaction {
	t := txn.New(w.coordinatorID, partitionID, io)
	t.Procedure = &readModifyWrite{
		workload: w,
		storage:  st,
		program:  w.generate(partitionID, st),
	}
	return t
}

func (w *Workload) generate(partitionID int, st *Storage) []access {
	ctx := w.ctx
	program := make([]access, ctx.KeysPerTransaction)

	// The cross-partition decision is made once per transaction; each access
	// of a cross-partition transaction then lands on another partition.
	cross := ctx.PartitionNum > 1 && w.random.Uniform(0, 99) < int64(ctx.CrossRatio)

	for i := range program {
		a := access{partitionID: partitionID}

		if cross {
			for {
				p := int(w.random.Uniform(0, int64(ctx.PartitionNum-1)))
				if p != partitionID {
					a.partitionID = p
					break
				}
			}
		}

		// No duplicate records within one transaction.
		for {
			a.key = uint64(w.keyGen.Next(w.random))
			if !contains(program[:i], a.partitionID, a.key) {
				break
			}
		}

		if w.random.Uniform(0, 99) >= int64(ctx.ReadRatio) {
			a.update = true
			w.random.FillString(st.updates[i])
		} else if w.random.Uniform(0, 99) < int64(ctx.LocalIndexRatio) &&
			w.partitioner.IsPartitionReplicatedOn(a.partitionID, w.coordinatorID) {
			a.localIndex = true
		}

		program[i] = a
	}
	return program
}

func contains(program []access, partitionID int, key uint64) bool {
	for i := range program {
		if program[i].partitionID == partitionID && program[i].key == key {
			return true
		}
	}
	return false
}

// readModifyWrite reads every record in its program, then updates the
// written subset. Every update key has been read, so the no-blind-write
// invariant holds by construction.
type readModifyWrite struct {
	workload *Workload
	storage  *Storage
	program  []access
}

func (p *readModifyWrite) Execute(t *txn.Transaction) txn.Result {
	w := p.workload

	for i, a := range p.program {
		binary.BigEndian.PutUint64(p.storage.keys[i], a.key)
		if a.localIndex {
			t.SearchLocalIndex(w.tableID, a.partitionID, p.storage.keys[i], p.storage.values[i])
		} else {
			t.SearchForRead(w.tableID, a.partitionID, p.storage.keys[i], p.storage.values[i])
		}
	}

	t.ProcessRequests()

	for i, a := range p.program {
		if a.update {
			t.Update(w.tableID, a.partitionID, p.storage.keys[i], p.storage.updates[i])
		}
	}

	return txn.ReadyToCommit
}
