package message

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Type tags a message piece. Values index the dense handler table in the
// protocol package, so the order here is load-bearing.
type Type uint16

const (
	SearchRequest Type = iota
	SearchResponse
	LockRequest
	LockResponse
	ReadValidationRequest
	ReadValidationResponse
	WriteRequest
	WriteResponse
	ReplicationRequest
	ReplicationResponse
	ReleaseLockRequest
	AbortRequest

	TypeNum
)

func (t Type) String() string {
	names := [...]string{
		"SearchRequest", "SearchResponse", "LockRequest", "LockResponse",
		"ReadValidationRequest", "ReadValidationResponse", "WriteRequest",
		"WriteResponse", "ReplicationRequest", "ReplicationResponse",
		"ReleaseLockRequest", "AbortRequest",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "Unknown"
}

// Piece is one typed unit inside a frame. Payload aliases the frame buffer
// and is only valid until the frame is reused.
type Piece struct {
	Type        Type
	TableID     int
	PartitionID int
	Payload     []byte
}

const (
	headerSize      = 10 // source u16 | dest u16 | worker u16 | count u32
	pieceHeaderSize = 10 // type u16 | table u16 | partition u16 | len u32
)

// Message is a frame: a sequence of pieces from one worker to one peer
// coordinator. A worker owns one outbound frame per peer and appends pieces
// to it between flushes; the I/O layer moves whole frames.
type Message struct {
	source int
	dest   int
	worker int
	count  int
	buf    []byte
}

func New(source, dest, worker int) *Message {
	return &Message{source: source, dest: dest, worker: worker}
}

func (m *Message) Source() int { return m.source }

func (m *Message) Dest() int { return m.dest }

func (m *Message) Worker() int { return m.worker }

// Count is the number of pieces in the frame.
func (m *Message) Count() int { return m.count }

// Size is the encoded size in bytes.
func (m *Message) Size() int { return headerSize + len(m.buf) }

// Append encodes one piece at the tail of the frame and returns the number
// of bytes it added.
func (m *Message) Append(typ Type, tableID, partitionID int, payload []byte) int {
	var hdr [pieceHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:], uint16(typ))
	binary.BigEndian.PutUint16(hdr[2:], uint16(tableID))
	binary.BigEndian.PutUint16(hdr[4:], uint16(partitionID))
	binary.BigEndian.PutUint32(hdr[6:], uint32(len(payload)))
	m.buf = append(m.buf, hdr[:]...)
	m.buf = append(m.buf, payload...)
	m.count++
	return pieceHeaderSize + len(payload)
}

// Iter walks the pieces of a frame in append order.
type Iter struct {
	buf   []byte
	piece Piece
}

func (m *Message) Iter() Iter {
	return Iter{buf: m.buf}
}

func (it *Iter) Next() bool {
	if len(it.buf) == 0 {
		return false
	}
	n := binary.BigEndian.Uint32(it.buf[6:])
	it.piece = Piece{
		Type:        Type(binary.BigEndian.Uint16(it.buf[0:])),
		TableID:     int(binary.BigEndian.Uint16(it.buf[2:])),
		PartitionID: int(binary.BigEndian.Uint16(it.buf[4:])),
		Payload:     it.buf[pieceHeaderSize : pieceHeaderSize+n],
	}
	it.buf = it.buf[pieceHeaderSize+n:]
	return true
}

func (it *Iter) Piece() Piece { return it.piece }

// Marshal encodes the frame for the wire.
func (m *Message) Marshal() []byte {
	out := make([]byte, headerSize+len(m.buf))
	binary.BigEndian.PutUint16(out[0:], uint16(m.source))
	binary.BigEndian.PutUint16(out[2:], uint16(m.dest))
	binary.BigEndian.PutUint16(out[4:], uint16(m.worker))
	binary.BigEndian.PutUint32(out[6:], uint32(m.count))
	copy(out[headerSize:], m.buf)
	return out
}

// Unmarshal decodes a frame produced by Marshal. It verifies the piece
// structure so a handler never walks off a truncated buffer.
func Unmarshal(b []byte) (*Message, error) {
	if len(b) < headerSize {
		return nil, errors.Errorf("frame too short: %d bytes", len(b))
	}
	m := &Message{
		source: int(binary.BigEndian.Uint16(b[0:])),
		dest:   int(binary.BigEndian.Uint16(b[2:])),
		worker: int(binary.BigEndian.Uint16(b[4:])),
		count:  int(binary.BigEndian.Uint32(b[6:])),
		buf:    append([]byte(nil), b[headerSize:]...),
	}
	rest := m.buf
	for i := 0; i < m.count; i++ {
		if len(rest) < pieceHeaderSize {
			return nil, errors.Errorf("piece %d: truncated header", i)
		}
		n := int(binary.BigEndian.Uint32(rest[6:]))
		if len(rest) < pieceHeaderSize+n {
			return nil, errors.Errorf("piece %d: truncated payload", i)
		}
		rest = rest[pieceHeaderSize+n:]
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("frame has %d trailing bytes", len(rest))
	}
	return m, nil
}
