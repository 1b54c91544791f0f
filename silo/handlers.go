package silo

import (
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinysilo/message"
	"github.com/pingcap-incubator/tinysilo/occ"
	"github.com/pingcap-incubator/tinysilo/storage"
	"github.com/pingcap-incubator/tinysilo/txn"
)

// HandlerFunc processes one inbound piece. Request handlers operate on the
// table and append the response to reply; they never touch t. Response
// handlers settle the in-flight transaction's bookkeeping and require t to
// be the transaction that issued the request (the queues are FIFO per
// worker pair, so it always is).
type HandlerFunc func(piece message.Piece, reply *message.Message, tbl storage.Table, t *txn.Transaction)

// Handlers returns the dense dispatch table indexed by message type.
func Handlers() []HandlerFunc {
	h := make([]HandlerFunc, message.TypeNum)
	h[message.SearchRequest] = searchRequest
	h[message.SearchResponse] = searchResponse
	h[message.LockRequest] = lockRequest
	h[message.LockResponse] = lockResponse
	h[message.ReadValidationRequest] = readValidationRequest
	h[message.ReadValidationResponse] = readValidationResponse
	h[message.WriteRequest] = writeRequest
	h[message.WriteResponse] = writeResponse
	h[message.ReplicationRequest] = replicationRequest
	h[message.ReplicationResponse] = replicationResponse
	h[message.ReleaseLockRequest] = releaseLockRequest
	h[message.AbortRequest] = abortRequest
	return h
}

func searchRequest(piece message.Piece, reply *message.Message, tbl storage.Table, _ *txn.Transaction) {
	key, keyOffset := message.ParseSearchRequest(piece)
	value := make([]byte, tbl.ValueSize())
	tid := tbl.Search(key).Load(value)
	message.NewSearchResponse(reply, tbl, tid, keyOffset, value)
}

func searchResponse(piece message.Piece, _ *message.Message, _ storage.Table, t *txn.Transaction) {
	tid, keyOffset, value := message.ParseSearchResponse(piece)
	k := readKeyAt(t, keyOffset)
	copy(k.Value, value)
	k.Tid = tid
	t.PendingResponses--
}

func lockRequest(piece message.Piece, reply *message.Message, tbl storage.Table, _ *txn.Transaction) {
	key, writeOffset := message.ParseLockRequest(piece)
	latest, ok := occ.TryLock(tbl.SearchMetadata(key))
	message.NewLockResponse(reply, tbl, ok, latest, writeOffset)
}

func lockResponse(piece message.Piece, _ *message.Message, _ storage.Table, t *txn.Transaction) {
	success, tid, writeOffset := message.ParseLockResponse(piece)
	k := writeKeyAt(t, writeOffset)
	if success {
		k.SetWriteLock()
		k.Tid = tid
		readKey := t.GetReadKey(k.TableID, k.PartitionID, k.Key)
		if readKey == nil {
			panic(errors.Errorf("blind write on table %d partition %d", k.TableID, k.PartitionID))
		}
		if occ.GetWts(tid) != occ.GetWts(readKey.Tid) {
			t.AbortLock = true
		}
	} else {
		t.AbortLock = true
	}
	t.PendingResponses--
}

func readValidationRequest(piece message.Piece, reply *message.Message, tbl storage.Table, _ *txn.Transaction) {
	key, readOffset, snapshot, commitTS := message.ParseReadValidationRequest(piece)
	written, ok := occ.ValidateReadKey(tbl.SearchMetadata(key), snapshot, commitTS)
	message.NewReadValidationResponse(reply, tbl, ok, written, readOffset)
}

func readValidationResponse(piece message.Piece, _ *message.Message, _ storage.Table, t *txn.Transaction) {
	success, written, readOffset := message.ParseReadValidationResponse(piece)
	k := readKeyAt(t, readOffset)
	if success {
		k.SetReadValidationSuccess()
		if occ.GetWts(written) != occ.GetWts(k.Tid) {
			k.SetWtsChange()
			k.Tid = written
		}
	} else {
		t.AbortReadValidation = true
	}
	t.PendingResponses--
}

func writeRequest(piece message.Piece, reply *message.Message, tbl storage.Table, _ *txn.Transaction) {
	key, value := message.ParseWriteRequest(piece)
	tbl.Update(key, value)
	message.NewWriteResponse(reply, tbl)
}

func writeResponse(_ message.Piece, _ *message.Message, _ storage.Table, t *txn.Transaction) {
	requireTxn(t)
	t.PendingResponses--
}

func replicationRequest(piece message.Piece, reply *message.Message, tbl storage.Table, _ *txn.Transaction) {
	key, value, commitWts := message.ParseReplicationRequest(piece)
	meta := tbl.SearchMetadata(key)
	last := occ.Lock(meta)
	// Requests from different workers of the master coordinator may arrive
	// out of order; a version at or past commitWts already supersedes this
	// one.
	if occ.GetWts(last) < commitWts {
		tbl.Update(key, value)
		occ.UnlockWithWts(meta, commitWts)
	} else {
		occ.Unlock(meta)
	}
	message.NewReplicationResponse(reply, tbl)
}

func replicationResponse(_ message.Piece, _ *message.Message, _ storage.Table, t *txn.Transaction) {
	requireTxn(t)
	t.PendingResponses--
}

func releaseLockRequest(piece message.Piece, _ *message.Message, tbl storage.Table, _ *txn.Transaction) {
	key, commitWts := message.ParseReleaseLockRequest(piece)
	occ.UnlockWithWts(tbl.SearchMetadata(key), commitWts)
}

func abortRequest(piece message.Piece, _ *message.Message, tbl storage.Table, _ *txn.Transaction) {
	key := message.ParseAbortRequest(piece)
	occ.Unlock(tbl.SearchMetadata(key))
}

func requireTxn(t *txn.Transaction) {
	if t == nil {
		panic(errors.Errorf("response piece with no transaction in flight"))
	}
}

func readKeyAt(t *txn.Transaction, offset int) *txn.RWKey {
	requireTxn(t)
	if offset >= len(t.ReadSet) {
		panic(errors.Errorf("read offset %d out of range %d", offset, len(t.ReadSet)))
	}
	return &t.ReadSet[offset]
}

func writeKeyAt(t *txn.Transaction, offset int) *txn.RWKey {
	requireTxn(t)
	if offset >= len(t.WriteSet) {
		panic(errors.Errorf("write offset %d out of range %d", offset, len(t.WriteSet)))
	}
	return &t.WriteSet[offset]
}
