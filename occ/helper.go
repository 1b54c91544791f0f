package occ

import (
	"go.uber.org/atomic"
)

// A record's concurrency-control state lives in one 64-bit word next to the
// row. Bit 63 is the write-lock bit, bits 62..32 hold the read timestamp and
// bits 31..0 hold the write timestamp. The word is only ever mutated through
// atomic loads, stores and compare-and-swaps, so readers never take a latch.
const (
	lockBit = uint64(1) << 63

	wtsBits = 32
	rtsBits = 31

	wtsMask = uint64(1)<<wtsBits - 1
	rtsMask = uint64(1)<<rtsBits - 1
)

// GetWts returns the write timestamp packed in v.
func GetWts(v uint64) uint64 {
	return v & wtsMask
}

// GetRts returns the read timestamp packed in v.
func GetRts(v uint64) uint64 {
	return v >> wtsBits & rtsMask
}

// IsLocked reports whether the write-lock bit is set in v.
func IsLocked(v uint64) bool {
	return v&lockBit != 0
}

// SetWts returns v with its write timestamp replaced by wts.
func SetWts(v, wts uint64) uint64 {
	return v&^wtsMask | wts&wtsMask
}

// SetRts returns v with its read timestamp replaced by rts.
func SetRts(v, rts uint64) uint64 {
	return v&^(rtsMask<<wtsBits) | rts&rtsMask<<wtsBits
}

// TryLock makes a single compare-and-swap attempt to set the lock bit.
// It returns the last value observed before the attempt and whether the lock
// was acquired. It never spins; a word that is already locked, or a CAS lost
// to a concurrent writer, is a failure the caller turns into an abort.
func TryLock(meta *atomic.Uint64) (uint64, bool) {
	v := meta.Load()
	if IsLocked(v) {
		return v, false
	}
	if meta.CAS(v, v|lockBit) {
		return v, true
	}
	return meta.Load(), false
}

// Lock spins until the lock bit is acquired and returns the pre-lock value.
// Only replica apply uses this: replication requests for the same record are
// ordered behind a master commit, so the wait is short and bounded.
func Lock(meta *atomic.Uint64) uint64 {
	for {
		if v, ok := TryLock(meta); ok {
			return v
		}
	}
}

// Unlock clears the lock bit, preserving both timestamps. This is the abort
// path; the record keeps the version it had before the lock was taken.
func Unlock(meta *atomic.Uint64) {
	v := meta.Load()
	meta.Store(v &^ lockBit)
}

// UnlockWithWts clears the lock bit and installs a fresh version stamped
// wts. The new version's read timestamp starts at its write timestamp.
func UnlockWithWts(meta *atomic.Uint64, wts uint64) {
	meta.Store(SetRts(SetWts(0, wts), wts))
}

// ValidateReadKey decides whether a read taken at snapshot is still
// serialisable at commitTS. It returns the metadata word that justified the
// decision and the verdict.
//
// If the write timestamp is unchanged, the read is valid once the version's
// read timestamp covers commitTS; when it does not, the rts is extended by
// CAS, which fails only if another writer holds the lock. If the write
// timestamp advanced, the version that was read remained current until the
// new wts, so the read still serialises as long as commitTS is strictly
// below it and no writer is mid-flight.
func ValidateReadKey(meta *atomic.Uint64, snapshot, commitTS uint64) (uint64, bool) {
	for {
		v := meta.Load()
		if GetWts(v) == GetWts(snapshot) {
			if GetRts(v) >= commitTS {
				return v, true
			}
			if IsLocked(v) {
				return v, false
			}
			next := SetRts(v, commitTS)
			if meta.CAS(v, next) {
				return next, true
			}
			continue
		}
		if !IsLocked(v) && commitTS < GetWts(v) {
			return v, true
		}
		return v, false
	}
}
