package storage

import (
	"github.com/pingcap/errors"
)

// Database is the catalog of tables a coordinator hosts. Every coordinator
// materialises every partition: the partitioner decides which of them this
// node masters and which it merely replicates, but replica apply needs the
// rows present either way.
type Database struct {
	// tables[tableID][partitionID]
	tables [][]*HashTable
}

func NewDatabase() *Database {
	return &Database{}
}

// CreateTable materialises partitionNum partitions for the next table id and
// returns it.
func (db *Database) CreateTable(partitionNum, valueSize int) int {
	tableID := len(db.tables)
	parts := make([]*HashTable, partitionNum)
	for p := range parts {
		parts[p] = NewHashTable(tableID, p, valueSize)
	}
	db.tables = append(db.tables, parts)
	return tableID
}

// FindTable returns the table for (tableID, partitionID). Unknown ids are a
// routing bug, not a runtime condition.
func (db *Database) FindTable(tableID, partitionID int) Table {
	return db.findHashTable(tableID, partitionID)
}

func (db *Database) findHashTable(tableID, partitionID int) *HashTable {
	if tableID >= len(db.tables) || partitionID >= len(db.tables[tableID]) {
		panic(errors.Errorf("no table (%d, %d)", tableID, partitionID))
	}
	return db.tables[tableID][partitionID]
}

// Insert loads a row into (tableID, partitionID).
func (db *Database) Insert(tableID, partitionID int, key, value []byte) {
	db.findHashTable(tableID, partitionID).Insert(key, value)
}

// Read performs a consistent local read, copying the value into dst and
// returning the metadata word it is consistent with.
func (db *Database) Read(tableID, partitionID int, key, dst []byte) uint64 {
	return db.findHashTable(tableID, partitionID).Read(key, dst)
}

// ReadIndex is Read through the table's ordered index.
func (db *Database) ReadIndex(tableID, partitionID int, key, dst []byte) uint64 {
	return db.findHashTable(tableID, partitionID).SearchIndex(key).Load(dst)
}

// TableNum returns the number of tables in the catalog.
func (db *Database) TableNum() int { return len(db.tables) }
