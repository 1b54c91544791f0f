package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinysilo/config"
	"github.com/pingcap-incubator/tinysilo/partition"
	"github.com/pingcap-incubator/tinysilo/storage"
)

func smallContext() *config.Context {
	ctx := config.NewDefaultContext()
	ctx.PartitionNum = 4
	ctx.CoordinatorNum = 2
	ctx.KeysPerPartition = 100
	ctx.KeysPerTransaction = 5
	ctx.ValueSize = 16
	ctx.CrossRatio = 50
	return ctx
}

func TestRandomSeedRoundTrip(t *testing.T) {
	r := NewRandom(42)
	seed := r.Seed()
	first := []uint64{r.Next(), r.Next(), r.Next()}

	r.SetSeed(seed)
	for _, want := range first {
		assert.Equal(t, want, r.Next())
	}
}

func TestUniformBounds(t *testing.T) {
	r := NewRandom(1)
	g := NewUniform(10, 19)
	for i := 0; i < 1000; i++ {
		v := g.Next(r)
		require.GreaterOrEqual(t, v, int64(10))
		require.LessOrEqual(t, v, int64(19))
	}
}

func TestZipfianBoundsAndSkew(t *testing.T) {
	r := NewRandom(7)
	g := NewZipfian(0, 99, 0.99)
	counts := make([]int, 100)
	for i := 0; i < 20000; i++ {
		v := g.Next(r)
		require.GreaterOrEqual(t, v, int64(0))
		require.Less(t, v, int64(100))
		counts[v]++
	}
	// The head of the distribution dominates the tail.
	assert.Greater(t, counts[0], counts[50]*5)
}

func TestGenerationIsDeterministic(t *testing.T) {
	ctx := smallContext()
	require.NoError(t, ctx.Validate())
	db := storage.NewDatabase()
	tableID := Load(ctx, db)

	r := NewRandom(99)
	p := partition.NewHashPartitioner(0, ctx.CoordinatorNum)
	w := New(0, ctx, db, r, p, tableID)
	st := NewStorage(ctx)

	seed := r.Seed()
	first := w.generate(0, st)
	firstUpdates := make([][]byte, len(first))
	for i := range st.updates {
		firstUpdates[i] = append([]byte(nil), st.updates[i]...)
	}

	// Reinstating the seed replays the identical program, update values
	// included.
	r.SetSeed(seed)
	second := w.generate(0, st)
	assert.Equal(t, first, second)
	for i := range st.updates {
		assert.Equal(t, firstUpdates[i], st.updates[i])
	}
}

func TestGenerateShape(t *testing.T) {
	ctx := smallContext()
	db := storage.NewDatabase()
	tableID := Load(ctx, db)
	r := NewRandom(3)
	p := partition.NewHashPartitioner(0, ctx.CoordinatorNum)
	w := New(0, ctx, db, r, p, tableID)
	st := NewStorage(ctx)

	for round := 0; round < 50; round++ {
		program := w.generate(2, st)
		require.Len(t, program, ctx.KeysPerTransaction)
		seen := map[[2]uint64]bool{}
		for _, a := range program {
			require.Less(t, a.key, uint64(ctx.KeysPerPartition))
			require.Less(t, a.partitionID, ctx.PartitionNum)
			id := [2]uint64{uint64(a.partitionID), a.key}
			require.False(t, seen[id], "duplicate access in one transaction")
			seen[id] = true
		}
	}
}

func TestLoadFillsPartitions(t *testing.T) {
	ctx := smallContext()
	db := storage.NewDatabase()
	tableID := Load(ctx, db)

	for p := 0; p < ctx.PartitionNum; p++ {
		tbl := db.FindTable(tableID, p)
		require.NotNil(t, tbl.Search(Key(0)))
		require.NotNil(t, tbl.Search(Key(uint64(ctx.KeysPerPartition-1))))
		require.Nil(t, tbl.Search(Key(uint64(ctx.KeysPerPartition))))
	}
}
