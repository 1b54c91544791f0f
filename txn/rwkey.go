package txn

// RWKey describes one record access in a transaction's read or write set.
// Key and Value alias buffers owned by the workload's per-worker storage;
// the sets never copy or free them.
type RWKey struct {
	TableID     int
	PartitionID int
	Key         []byte
	Value       []byte
	// Tid is the metadata word snapshot: captured at read time for read-set
	// entries, at lock time for write-set entries.
	Tid uint64

	flags uint8
}

const (
	readRequestFlag uint8 = 1 << iota
	localIndexReadFlag
	writeLockFlag
	readValidationSuccessFlag
	wtsChangeFlag
)

// Read-request-pending: the read has been issued but no value observed yet.
func (k *RWKey) SetReadRequest() { k.flags |= readRequestFlag }

func (k *RWKey) ClearReadRequest() { k.flags &^= readRequestFlag }

func (k *RWKey) IsReadRequest() bool { return k.flags&readRequestFlag != 0 }

// Local-index reads bypass the protocol: served from whatever version the
// local index holds, skipped during validation.
func (k *RWKey) SetLocalIndexRead() { k.flags |= localIndexReadFlag }

func (k *RWKey) IsLocalIndexRead() bool { return k.flags&localIndexReadFlag != 0 }

// Write-lock-held: the master record is locked by this transaction and must
// be unlocked before the transaction terminates.
func (k *RWKey) SetWriteLock() { k.flags |= writeLockFlag }

func (k *RWKey) ClearWriteLock() { k.flags &^= writeLockFlag }

func (k *RWKey) IsWriteLock() bool { return k.flags&writeLockFlag != 0 }

func (k *RWKey) SetReadValidationSuccess() { k.flags |= readValidationSuccessFlag }

func (k *RWKey) IsReadValidationSuccess() bool { return k.flags&readValidationSuccessFlag != 0 }

// Wts-changed-during-validation: validation passed against a newer version
// than the one read; Tid has been refreshed to it.
func (k *RWKey) SetWtsChange() { k.flags |= wtsChangeFlag }

func (k *RWKey) IsWtsChange() bool { return k.flags&wtsChangeFlag != 0 }
