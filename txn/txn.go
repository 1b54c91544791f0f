package txn

import (
	"bytes"
	"time"
)

// Result is what a transaction body reports back to the executor.
type Result int

const (
	ReadyToCommit Result = iota
	Abort
	AbortNoRetry
)

// Procedure is the workload-defined transaction body. Execute issues
// searches and updates against t and signals whether to commit.
type Procedure interface {
	Execute(t *Transaction) Result
}

// IO is the capability a transaction borrows from its executor for the
// duration of one attempt: the read handler, the remote request pump and
// the outbound flusher. The transaction holds it by reference; it never
// owns the executor's frames or queues.
type IO interface {
	// Read resolves one read. Locally-mastered partitions and local-index
	// reads are served synchronously: the value is copied into value and the
	// observed metadata word returned. Otherwise a search request is emitted
	// toward the master and remote is true; the response handler fills the
	// read-set slot named by keyOffset later.
	Read(tableID, partitionID, keyOffset int, key, value []byte, localIndexRead bool) (tid uint64, remote bool)
	// Pump drains inbound messages, running their handlers on this worker.
	// It returns the number of pieces processed.
	Pump() int
	// Flush hands every non-empty outbound frame to the I/O layer.
	Flush()
}

// Transaction carries the read and write sets of one attempt plus the
// bookkeeping the commit protocol drives: abort flags, the pending response
// count and the commit timestamps.
type Transaction struct {
	CoordinatorID int
	PartitionID   int

	ReadSet  []RWKey
	WriteSet []RWKey

	// PendingResponses counts outstanding remote requests. It is only
	// touched on the owning worker: the protocol increments it when a
	// request piece is emitted and response handlers, run by the pump on the
	// same goroutine, decrement it.
	PendingResponses int
	NetworkSize      int64

	AbortLock           bool
	AbortReadValidation bool

	CommitRts uint64
	CommitWts uint64

	StartTime time.Time

	Procedure Procedure

	io IO
}

func New(coordinatorID, partitionID int, io IO) *Transaction {
	return &Transaction{
		CoordinatorID: coordinatorID,
		PartitionID:   partitionID,
		StartTime:     time.Now(),
		io:            io,
	}
}

// IO returns the executor capability the transaction was built with.
func (t *Transaction) IO() IO { return t.io }

// SearchForRead appends a read-set entry with the read pending. The value
// buffer is filled when ProcessRequests runs the read handler, or by the
// search response handler for remote partitions.
func (t *Transaction) SearchForRead(tableID, partitionID int, key, value []byte) {
	k := RWKey{TableID: tableID, PartitionID: partitionID, Key: key, Value: value}
	k.SetReadRequest()
	t.ReadSet = append(t.ReadSet, k)
}

// SearchLocalIndex appends a read-set entry served from the local index.
// Such reads are never validated.
func (t *Transaction) SearchLocalIndex(tableID, partitionID int, key, value []byte) {
	k := RWKey{TableID: tableID, PartitionID: partitionID, Key: key, Value: value}
	k.SetReadRequest()
	k.SetLocalIndexRead()
	t.ReadSet = append(t.ReadSet, k)
}

// Update appends a write-set entry. Every written key must have been read
// first; the protocol enforces it when locking.
func (t *Transaction) Update(tableID, partitionID int, key, value []byte) {
	t.WriteSet = append(t.WriteSet, RWKey{
		TableID:     tableID,
		PartitionID: partitionID,
		Key:         key,
		Value:       value,
	})
}

// ProcessRequests runs the read handler over every read still pending, then
// waits cooperatively until all remote responses have arrived.
func (t *Transaction) ProcessRequests() {
	for i := range t.ReadSet {
		k := &t.ReadSet[i]
		if !k.IsReadRequest() {
			continue
		}
		tid, remote := t.io.Read(k.TableID, k.PartitionID, i, k.Key, k.Value, k.IsLocalIndexRead())
		if remote {
			t.PendingResponses++
		} else {
			k.Tid = tid
		}
		k.ClearReadRequest()
	}
	if t.PendingResponses > 0 {
		t.io.Flush()
		for t.PendingResponses > 0 {
			t.io.Pump()
		}
	}
}

// Execute runs the workload body.
func (t *Transaction) Execute() Result {
	return t.Procedure.Execute(t)
}

// Reset clears both sets and all per-attempt state so the transaction can
// retry. The procedure, the IO capability and the start time survive: the
// retry replays the same program and latency is measured end to end.
func (t *Transaction) Reset() {
	t.ReadSet = t.ReadSet[:0]
	t.WriteSet = t.WriteSet[:0]
	t.PendingResponses = 0
	t.NetworkSize = 0
	t.AbortLock = false
	t.AbortReadValidation = false
	t.CommitRts = 0
	t.CommitWts = 0
}

// GetReadKey finds the read-set entry for a key by value, not pointer
// identity: two reads of the same key may carry distinct buffers.
func (t *Transaction) GetReadKey(tableID, partitionID int, key []byte) *RWKey {
	for i := range t.ReadSet {
		k := &t.ReadSet[i]
		if k.TableID == tableID && k.PartitionID == partitionID && bytes.Equal(k.Key, key) {
			return k
		}
	}
	return nil
}

// IsKeyInWriteSet reports whether the same record also appears in the write
// set.
func (t *Transaction) IsKeyInWriteSet(tableID, partitionID int, key []byte) bool {
	for i := range t.WriteSet {
		k := &t.WriteSet[i]
		if k.TableID == tableID && k.PartitionID == partitionID && bytes.Equal(k.Key, key) {
			return true
		}
	}
	return false
}
