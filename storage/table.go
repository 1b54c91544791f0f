package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"go.uber.org/atomic"

	"github.com/pingcap-incubator/tinysilo/occ"
)

// Row is one record: a key, a fixed-size value buffer and the metadata word
// the commit protocol locks and stamps. Rows are created when a partition is
// loaded and live for the lifetime of the table; the sets built by
// transactions reference them but never own them.
type Row struct {
	key   []byte
	value []byte
	meta  atomic.Uint64
}

func (r *Row) Key() []byte { return r.key }

// Meta exposes the metadata word for the protocol's lock, unlock and
// validation operations.
func (r *Row) Meta() *atomic.Uint64 { return &r.meta }

// Load copies the row's value into dst and returns the metadata word the
// copy is consistent with, retrying across concurrent commits.
func (r *Row) Load(dst []byte) uint64 {
	for {
		before := r.meta.Load()
		if occ.IsLocked(before) {
			continue
		}
		copy(dst, r.value)
		if r.meta.Load() == before {
			return before
		}
	}
}

func (r *Row) Less(than btree.Item) bool {
	return bytes.Compare(r.key, than.(*Row).key) < 0
}

// Table is the storage surface the execution core consumes. One table holds
// the rows of a single (table id, partition id) pair.
type Table interface {
	TableID() int
	PartitionID() int
	// Search returns the row for key, or nil if the partition was never
	// loaded with it.
	Search(key []byte) *Row
	// SearchMetadata returns the metadata word for key.
	SearchMetadata(key []byte) *atomic.Uint64
	// Update overwrites the row's value. The caller must hold the row's
	// write lock; nothing else keeps concurrent readers consistent.
	Update(key, value []byte)
	// ValueSize is the fixed byte width of every value in the table.
	ValueSize() int
}

// HashTable is the in-memory table: a hash index for point lookups plus a
// btree over the same rows for ordered local-index access. Inserts happen
// only while the partition is loaded; after that the map is read-only and
// all row mutation goes through the metadata word.
type HashTable struct {
	tableID     int
	partitionID int
	valueSize   int

	mu    sync.RWMutex
	rows  map[string]*Row
	index *btree.BTree
}

func NewHashTable(tableID, partitionID, valueSize int) *HashTable {
	return &HashTable{
		tableID:     tableID,
		partitionID: partitionID,
		valueSize:   valueSize,
		rows:        make(map[string]*Row),
		index:       btree.New(32),
	}
}

func (t *HashTable) TableID() int { return t.tableID }

func (t *HashTable) PartitionID() int { return t.partitionID }

func (t *HashTable) ValueSize() int { return t.valueSize }

// Insert adds a row with wts = rts = 0. Loading only; not safe against
// concurrent transactions.
func (t *HashTable) Insert(key, value []byte) *Row {
	r := &Row{
		key:   append([]byte(nil), key...),
		value: make([]byte, t.valueSize),
	}
	copy(r.value, value)
	t.mu.Lock()
	t.rows[string(key)] = r
	t.index.ReplaceOrInsert(r)
	t.mu.Unlock()
	return r
}

func (t *HashTable) Search(key []byte) *Row {
	t.mu.RLock()
	r := t.rows[string(key)]
	t.mu.RUnlock()
	return r
}

// SearchIndex resolves key through the ordered index instead of the hash
// map. Index reads skip validation, so whatever version is current is fine.
func (t *HashTable) SearchIndex(key []byte) *Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item := t.index.Get(&Row{key: key})
	if item == nil {
		return nil
	}
	return item.(*Row)
}

func (t *HashTable) SearchMetadata(key []byte) *atomic.Uint64 {
	r := t.Search(key)
	if r == nil {
		return nil
	}
	return &r.meta
}

func (t *HashTable) Update(key, value []byte) {
	r := t.Search(key)
	copy(r.value, value)
}

// Read copies the row's value into dst and returns the metadata word the
// copy is consistent with. It retries while a writer holds the lock or
// commits underneath the copy.
func (t *HashTable) Read(key, dst []byte) uint64 {
	return t.Search(key).Load(dst)
}

// AscendRange walks rows with start <= key < end in key order through the
// btree index. Like SearchIndex it sees whatever version is current; the
// rows are passed to f without a consistent-read retry.
func (t *HashTable) AscendRange(start, end []byte, f func(r *Row) bool) {
	t.index.AscendRange(&Row{key: start}, &Row{key: end}, func(i btree.Item) bool {
		return f(i.(*Row))
	})
}

// Len returns the number of loaded rows.
func (t *HashTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}
