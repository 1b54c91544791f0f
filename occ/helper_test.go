package occ

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestPackUnpack(t *testing.T) {
	v := SetRts(SetWts(0, 42), 17)
	assert.Equal(t, uint64(42), GetWts(v))
	assert.Equal(t, uint64(17), GetRts(v))
	assert.False(t, IsLocked(v))

	// Replacing one field leaves the other intact.
	v = SetWts(v, 43)
	assert.Equal(t, uint64(43), GetWts(v))
	assert.Equal(t, uint64(17), GetRts(v))

	v = SetRts(v, 100)
	assert.Equal(t, uint64(43), GetWts(v))
	assert.Equal(t, uint64(100), GetRts(v))
}

func TestTryLock(t *testing.T) {
	meta := atomic.NewUint64(SetRts(SetWts(0, 5), 9))

	prev, ok := TryLock(meta)
	require.True(t, ok)
	assert.Equal(t, uint64(5), GetWts(prev))
	assert.Equal(t, uint64(9), GetRts(prev))
	assert.True(t, IsLocked(meta.Load()))

	// A second locker fails without spinning.
	_, ok = TryLock(meta)
	assert.False(t, ok)

	Unlock(meta)
	assert.False(t, IsLocked(meta.Load()))
	assert.Equal(t, uint64(5), GetWts(meta.Load()))
	assert.Equal(t, uint64(9), GetRts(meta.Load()))
}

func TestUnlockWithWts(t *testing.T) {
	meta := atomic.NewUint64(SetRts(SetWts(0, 5), 9))
	_, ok := TryLock(meta)
	require.True(t, ok)

	UnlockWithWts(meta, 12)
	v := meta.Load()
	assert.False(t, IsLocked(v))
	assert.Equal(t, uint64(12), GetWts(v))
	assert.Equal(t, uint64(12), GetRts(v))
}

func TestValidateSameWts(t *testing.T) {
	meta := atomic.NewUint64(SetRts(SetWts(0, 5), 5))
	snapshot := meta.Load()

	// rts below commitTS gets extended.
	written, ok := ValidateReadKey(meta, snapshot, 8)
	require.True(t, ok)
	assert.Equal(t, uint64(5), GetWts(written))
	assert.Equal(t, uint64(8), GetRts(written))
	assert.Equal(t, uint64(8), GetRts(meta.Load()))

	// rts already covers commitTS: no change needed.
	written, ok = ValidateReadKey(meta, snapshot, 6)
	require.True(t, ok)
	assert.Equal(t, uint64(8), GetRts(meta.Load()))

	// Locked by another writer and rts short of commitTS: fail.
	_, lok := TryLock(meta)
	require.True(t, lok)
	_, ok = ValidateReadKey(meta, snapshot, 20)
	assert.False(t, ok)
	// But a commitTS already inside the version's range still passes.
	_, ok = ValidateReadKey(meta, snapshot, 7)
	assert.True(t, ok)
}

func TestValidateAdvancedWts(t *testing.T) {
	meta := atomic.NewUint64(SetRts(SetWts(0, 7), 7))
	snapshot := SetRts(SetWts(0, 5), 5)

	// A writer committed at 7 after our read of version 5. Committing at or
	// past 7 is not serialisable any more.
	_, ok := ValidateReadKey(meta, snapshot, 7)
	assert.False(t, ok)
	_, ok = ValidateReadKey(meta, snapshot, 9)
	assert.False(t, ok)

	// Committing strictly before the new version still is.
	written, ok := ValidateReadKey(meta, snapshot, 6)
	require.True(t, ok)
	assert.Equal(t, uint64(7), GetWts(written))

	// A locked record by another writer never validates an advanced read.
	_, lok := TryLock(meta)
	require.True(t, lok)
	_, ok = ValidateReadKey(meta, snapshot, 6)
	assert.False(t, ok)
}

func TestWtsMonotoneAcrossCommits(t *testing.T) {
	meta := atomic.NewUint64(0)
	var last uint64
	for i := 0; i < 10; i++ {
		prev := Lock(meta)
		next := GetRts(prev) + 1
		require.Greater(t, next, GetWts(prev))
		UnlockWithWts(meta, next)
		require.Greater(t, GetWts(meta.Load()), last)
		last = GetWts(meta.Load())
	}
}
