// Package silo implements the commit protocol: a timestamp-ordered optimistic
// two-phase commit over per-record metadata words, extended to remote masters
// and replicas via message pieces. A commit walks
// lock -> compute-ts -> validate -> write-and-replicate -> release; any abort
// flag raised before the write phase sends the transaction down the abort
// path, which releases whatever was locked.
package silo

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"

	"github.com/pingcap-incubator/tinysilo/message"
	"github.com/pingcap-incubator/tinysilo/occ"
	"github.com/pingcap-incubator/tinysilo/partition"
	"github.com/pingcap-incubator/tinysilo/storage"
	"github.com/pingcap-incubator/tinysilo/txn"
)

type Protocol struct {
	db            *storage.Database
	partitioner   partition.Partitioner
	coordinatorID int
}

func New(db *storage.Database, partitioner partition.Partitioner, coordinatorID int) *Protocol {
	return &Protocol{
		db:            db,
		partitioner:   partitioner,
		coordinatorID: coordinatorID,
	}
}

// Search performs a consistent local read and returns the metadata word the
// value copy is consistent with.
func (p *Protocol) Search(tableID, partitionID int, key, value []byte) uint64 {
	return p.db.Read(tableID, partitionID, key, value)
}

// Commit drives the state machine over t. msgs is the executor's outbound
// frame per peer coordinator; the protocol appends request pieces to them
// and the transaction's pump delivers the responses. False means the
// transaction aborted; the caller reads the abort flags to learn why.
func (p *Protocol) Commit(t *txn.Transaction, msgs []*message.Message) bool {
	if p.lockWriteSet(t, msgs) {
		p.Abort(t, msgs)
		return false
	}

	p.computeCommitTS(t)

	if !p.validateReadSet(t, msgs) {
		p.Abort(t, msgs)
		return false
	}

	p.writeAndReplicate(t, msgs)
	p.releaseLocks(t, msgs)
	return true
}

// Abort unlocks every record this transaction managed to lock, locally or by
// messaging the remote master. Fire-and-forget: nothing waits on it.
func (p *Protocol) Abort(t *txn.Transaction, msgs []*message.Message) {
	for i := range t.WriteSet {
		k := &t.WriteSet[i]
		if !k.IsWriteLock() {
			continue
		}
		tbl := p.db.FindTable(k.TableID, k.PartitionID)
		if p.partitioner.HasMasterPartition(k.PartitionID) {
			occ.Unlock(tbl.SearchMetadata(k.Key))
		} else {
			master := p.partitioner.MasterCoordinator(k.PartitionID)
			t.NetworkSize += int64(message.NewAbortRequest(msgs[master], tbl, k.Key))
		}
	}
	p.syncMessages(t, false)
}

// lockWriteSet locks the write set in insertion order. Deadlock is not
// prevented: a failed try-lock aborts the transaction instead. The no-blind-
// write invariant is checked here for local records (the lock response
// handler checks it for remote ones), as is the writer-reader wts conflict:
// a lock whose pre-lock wts differs from the wts observed at read time can
// never validate, so it aborts immediately.
func (p *Protocol) lockWriteSet(t *txn.Transaction, msgs []*message.Message) bool {
	for i := range t.WriteSet {
		k := &t.WriteSet[i]
		tbl := p.db.FindTable(k.TableID, k.PartitionID)

		if p.partitioner.HasMasterPartition(k.PartitionID) {
			latest, ok := occ.TryLock(tbl.SearchMetadata(k.Key))
			if !ok {
				t.AbortLock = true
				break
			}
			k.SetWriteLock()
			k.Tid = latest

			readKey := t.GetReadKey(k.TableID, k.PartitionID, k.Key)
			if readKey == nil {
				panic(errors.Errorf("blind write on table %d partition %d", k.TableID, k.PartitionID))
			}
			if occ.GetWts(latest) != occ.GetWts(readKey.Tid) {
				t.AbortLock = true
				break
			}
			if _, ferr := failpoint.Eval("github.com/pingcap-incubator/tinysilo/silo/lockConflict"); ferr == nil {
				t.AbortLock = true
				break
			}
		} else {
			t.PendingResponses++
			master := p.partitioner.MasterCoordinator(k.PartitionID)
			t.NetworkSize += int64(message.NewLockRequest(msgs[master], tbl, k.Key, i))
		}
	}

	p.syncMessages(t, true)
	return t.AbortLock
}

// computeCommitTS derives the commit timestamps: the transaction reads at
// the newest version it observed and writes just past every read of the
// records it overwrites.
func (p *Protocol) computeCommitTS(t *txn.Transaction) {
	var ts uint64
	for i := range t.ReadSet {
		if wts := occ.GetWts(t.ReadSet[i].Tid); wts > ts {
			ts = wts
		}
	}
	t.CommitRts = ts

	for i := range t.WriteSet {
		if rts := occ.GetRts(t.WriteSet[i].Tid) + 1; rts > ts {
			ts = rts
		}
	}
	t.CommitWts = ts
}

// validateReadSet checks every read that still matters: local-index reads
// are unvalidated by contract and keys that are also written were already
// checked against their read wts under the lock.
func (p *Protocol) validateReadSet(t *txn.Transaction, msgs []*message.Message) bool {
	commitTS := t.CommitWts

	for i := range t.ReadSet {
		k := &t.ReadSet[i]
		if k.IsLocalIndexRead() {
			continue
		}
		if t.IsKeyInWriteSet(k.TableID, k.PartitionID, k.Key) {
			continue
		}

		tbl := p.db.FindTable(k.TableID, k.PartitionID)
		if p.partitioner.HasMasterPartition(k.PartitionID) {
			if occ.IsLocked(k.Tid) {
				panic(errors.Errorf("read snapshot carries a lock bit"))
			}
			written, ok := occ.ValidateReadKey(tbl.SearchMetadata(k.Key), k.Tid, commitTS)
			if !ok {
				t.AbortReadValidation = true
				break
			}
			k.SetReadValidationSuccess()
			if occ.GetWts(written) != occ.GetWts(k.Tid) {
				k.SetWtsChange()
				k.Tid = written
			}
		} else {
			t.PendingResponses++
			master := p.partitioner.MasterCoordinator(k.PartitionID)
			t.NetworkSize += int64(message.NewReadValidationRequest(msgs[master], tbl, k.Key, i, k.Tid, commitTS))
		}
	}

	p.syncMessages(t, true)
	return !t.AbortReadValidation
}

// writeAndReplicate installs every write at its master and at every replica,
// and waits for all of it to be acknowledged before locks are released. A
// replica hosted by this very coordinator is applied in place.
func (p *Protocol) writeAndReplicate(t *txn.Transaction, msgs []*message.Message) {
	commitWts := t.CommitWts

	for i := range t.WriteSet {
		k := &t.WriteSet[i]
		tbl := p.db.FindTable(k.TableID, k.PartitionID)

		if p.partitioner.HasMasterPartition(k.PartitionID) {
			tbl.Update(k.Key, k.Value)
		} else {
			t.PendingResponses++
			master := p.partitioner.MasterCoordinator(k.PartitionID)
			t.NetworkSize += int64(message.NewWriteRequest(msgs[master], tbl, k.Key, k.Value))
		}

		replicateCount := 0
		for c := 0; c < p.partitioner.TotalCoordinators(); c++ {
			if !p.partitioner.IsPartitionReplicatedOn(k.PartitionID, c) {
				continue
			}
			if c == p.partitioner.MasterCoordinator(k.PartitionID) {
				continue
			}
			replicateCount++

			if c == t.CoordinatorID {
				meta := tbl.SearchMetadata(k.Key)
				last := occ.Lock(meta)
				if occ.GetWts(last) >= commitWts {
					panic(errors.Errorf("replica wts %d not below commit wts %d", occ.GetWts(last), commitWts))
				}
				tbl.Update(k.Key, k.Value)
				occ.UnlockWithWts(meta, commitWts)
			} else {
				t.PendingResponses++
				t.NetworkSize += int64(message.NewReplicationRequest(msgs[c], tbl, k.Key, k.Value, commitWts))
			}
		}

		if replicateCount != p.partitioner.ReplicaNum()-1 {
			panic(errors.Errorf("replicated to %d coordinators, want %d", replicateCount, p.partitioner.ReplicaNum()-1))
		}
	}

	p.syncMessages(t, true)
}

// releaseLocks stamps commitWts on every written record and drops the lock.
// Fire-and-forget for remote masters.
func (p *Protocol) releaseLocks(t *txn.Transaction, msgs []*message.Message) {
	commitWts := t.CommitWts

	for i := range t.WriteSet {
		k := &t.WriteSet[i]
		tbl := p.db.FindTable(k.TableID, k.PartitionID)

		if p.partitioner.HasMasterPartition(k.PartitionID) {
			tbl.Update(k.Key, k.Value)
			occ.UnlockWithWts(tbl.SearchMetadata(k.Key), commitWts)
		} else {
			master := p.partitioner.MasterCoordinator(k.PartitionID)
			t.NetworkSize += int64(message.NewReleaseLockRequest(msgs[master], tbl, k.Key, commitWts))
		}
	}

	p.syncMessages(t, false)
}

// syncMessages flushes the outbound frames and, when asked, drains inbound
// messages until every pending response has arrived. The wait is a busy
// cooperative one: the pump runs this worker's share of remote handlers,
// which is also how the awaited responses get processed.
func (p *Protocol) syncMessages(t *txn.Transaction, waitResponse bool) {
	t.IO().Flush()
	if waitResponse {
		for t.PendingResponses > 0 {
			t.IO().Pump()
		}
	}
}
