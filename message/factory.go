package message

import (
	"encoding/binary"

	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinysilo/storage"
)

// Factory functions append one protocol piece to an outbound frame and
// return the byte cost, which callers add to the transaction's network-size
// counter. The matching Parse functions decode a received piece; payloads
// are fixed little grammars, so a malformed one is a fatal protocol bug.

func appendKey(p []byte, key []byte) []byte {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(key)))
	p = append(p, n[:]...)
	return append(p, key...)
}

func appendU32(p []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(p, b[:]...)
}

func appendU64(p []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(p, b[:]...)
}

type payloadReader struct {
	buf []byte
}

func (r *payloadReader) take(n int) []byte {
	if len(r.buf) < n {
		panic(errors.Errorf("piece payload short: want %d, have %d", n, len(r.buf)))
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *payloadReader) key() []byte {
	n := int(binary.BigEndian.Uint16(r.take(2)))
	return r.take(n)
}

func (r *payloadReader) u8() uint8 { return r.take(1)[0] }

func (r *payloadReader) u32() uint32 { return binary.BigEndian.Uint32(r.take(4)) }

func (r *payloadReader) u64() uint64 { return binary.BigEndian.Uint64(r.take(8)) }

func (r *payloadReader) done() {
	if len(r.buf) != 0 {
		panic(errors.Errorf("piece payload has %d trailing bytes", len(r.buf)))
	}
}

// NewSearchRequest asks the master of tbl's partition for the value and tid
// of key. keyOffset names the read-set slot awaiting the response.
func NewSearchRequest(m *Message, tbl storage.Table, key []byte, keyOffset int) int {
	p := appendKey(nil, key)
	p = appendU32(p, uint32(keyOffset))
	return m.Append(SearchRequest, tbl.TableID(), tbl.PartitionID(), p)
}

func ParseSearchRequest(p Piece) (key []byte, keyOffset int) {
	r := payloadReader{p.Payload}
	key = r.key()
	keyOffset = int(r.u32())
	r.done()
	return
}

func NewSearchResponse(m *Message, tbl storage.Table, tid uint64, keyOffset int, value []byte) int {
	p := appendU64(nil, tid)
	p = appendU32(p, uint32(keyOffset))
	p = appendKey(p, value)
	return m.Append(SearchResponse, tbl.TableID(), tbl.PartitionID(), p)
}

func ParseSearchResponse(p Piece) (tid uint64, keyOffset int, value []byte) {
	r := payloadReader{p.Payload}
	tid = r.u64()
	keyOffset = int(r.u32())
	value = r.key()
	r.done()
	return
}

// NewLockRequest asks the master to try-lock key. writeOffset names the
// write-set slot the response settles.
func NewLockRequest(m *Message, tbl storage.Table, key []byte, writeOffset int) int {
	p := appendKey(nil, key)
	p = appendU32(p, uint32(writeOffset))
	return m.Append(LockRequest, tbl.TableID(), tbl.PartitionID(), p)
}

func ParseLockRequest(p Piece) (key []byte, writeOffset int) {
	r := payloadReader{p.Payload}
	key = r.key()
	writeOffset = int(r.u32())
	r.done()
	return
}

func NewLockResponse(m *Message, tbl storage.Table, success bool, tid uint64, writeOffset int) int {
	p := append([]byte(nil), boolByte(success))
	p = appendU64(p, tid)
	p = appendU32(p, uint32(writeOffset))
	return m.Append(LockResponse, tbl.TableID(), tbl.PartitionID(), p)
}

func ParseLockResponse(p Piece) (success bool, tid uint64, writeOffset int) {
	r := payloadReader{p.Payload}
	success = r.u8() != 0
	tid = r.u64()
	writeOffset = int(r.u32())
	r.done()
	return
}

// NewReadValidationRequest asks the master to validate a read of key taken
// at snapshot against commitTS.
func NewReadValidationRequest(m *Message, tbl storage.Table, key []byte, readOffset int, snapshot, commitTS uint64) int {
	p := appendKey(nil, key)
	p = appendU32(p, uint32(readOffset))
	p = appendU64(p, snapshot)
	p = appendU64(p, commitTS)
	return m.Append(ReadValidationRequest, tbl.TableID(), tbl.PartitionID(), p)
}

func ParseReadValidationRequest(p Piece) (key []byte, readOffset int, snapshot, commitTS uint64) {
	r := payloadReader{p.Payload}
	key = r.key()
	readOffset = int(r.u32())
	snapshot = r.u64()
	commitTS = r.u64()
	r.done()
	return
}

func NewReadValidationResponse(m *Message, tbl storage.Table, success bool, writtenTS uint64, readOffset int) int {
	p := append([]byte(nil), boolByte(success))
	p = appendU64(p, writtenTS)
	p = appendU32(p, uint32(readOffset))
	return m.Append(ReadValidationResponse, tbl.TableID(), tbl.PartitionID(), p)
}

func ParseReadValidationResponse(p Piece) (success bool, writtenTS uint64, readOffset int) {
	r := payloadReader{p.Payload}
	success = r.u8() != 0
	writtenTS = r.u64()
	readOffset = int(r.u32())
	r.done()
	return
}

// NewWriteRequest carries the committed value to the partition master. The
// master already holds the lock on this transaction's behalf.
func NewWriteRequest(m *Message, tbl storage.Table, key, value []byte) int {
	p := appendKey(nil, key)
	p = appendKey(p, value)
	return m.Append(WriteRequest, tbl.TableID(), tbl.PartitionID(), p)
}

func ParseWriteRequest(p Piece) (key, value []byte) {
	r := payloadReader{p.Payload}
	key = r.key()
	value = r.key()
	r.done()
	return
}

func NewWriteResponse(m *Message, tbl storage.Table) int {
	return m.Append(WriteResponse, tbl.TableID(), tbl.PartitionID(), nil)
}

// NewReplicationRequest carries the committed value and its timestamp to a
// replica of the partition.
func NewReplicationRequest(m *Message, tbl storage.Table, key, value []byte, commitWts uint64) int {
	p := appendKey(nil, key)
	p = appendU64(p, commitWts)
	p = appendKey(p, value)
	return m.Append(ReplicationRequest, tbl.TableID(), tbl.PartitionID(), p)
}

func ParseReplicationRequest(p Piece) (key, value []byte, commitWts uint64) {
	r := payloadReader{p.Payload}
	key = r.key()
	commitWts = r.u64()
	value = r.key()
	r.done()
	return
}

func NewReplicationResponse(m *Message, tbl storage.Table) int {
	return m.Append(ReplicationResponse, tbl.TableID(), tbl.PartitionID(), nil)
}

// NewReleaseLockRequest tells the master to unlock key, stamping commitWts.
// Fire-and-forget.
func NewReleaseLockRequest(m *Message, tbl storage.Table, key []byte, commitWts uint64) int {
	p := appendKey(nil, key)
	p = appendU64(p, commitWts)
	return m.Append(ReleaseLockRequest, tbl.TableID(), tbl.PartitionID(), p)
}

func ParseReleaseLockRequest(p Piece) (key []byte, commitWts uint64) {
	r := payloadReader{p.Payload}
	key = r.key()
	commitWts = r.u64()
	r.done()
	return
}

// NewAbortRequest tells the master to unlock key, preserving its version.
// Fire-and-forget.
func NewAbortRequest(m *Message, tbl storage.Table, key []byte) int {
	return m.Append(AbortRequest, tbl.TableID(), tbl.PartitionID(), appendKey(nil, key))
}

func ParseAbortRequest(p Piece) (key []byte) {
	r := payloadReader{p.Payload}
	key = r.key()
	r.done()
	return
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
