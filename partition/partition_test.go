package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashMastering(t *testing.T) {
	p := NewHashPartitioner(1, 3)
	assert.False(t, p.HasMasterPartition(0))
	assert.True(t, p.HasMasterPartition(1))
	assert.True(t, p.HasMasterPartition(4))
	assert.Equal(t, 2, p.MasterCoordinator(5))
	assert.Equal(t, 1, p.ReplicaNum())
	assert.Equal(t, 3, p.TotalCoordinators())

	// With one replica, only the master holds the partition.
	assert.True(t, p.IsPartitionReplicatedOn(2, 2))
	assert.False(t, p.IsPartitionReplicatedOn(2, 0))
}

func TestReplicaPlacement(t *testing.T) {
	p := NewHashReplicatedPartitioner(0, 3, 2)
	// Partition 2 is mastered on coordinator 2 and replicated on 0.
	assert.Equal(t, 2, p.MasterCoordinator(2))
	assert.True(t, p.IsPartitionReplicatedOn(2, 2))
	assert.True(t, p.IsPartitionReplicatedOn(2, 0))
	assert.False(t, p.IsPartitionReplicatedOn(2, 1))

	// Every partition lands on exactly replicaNum coordinators.
	for part := 0; part < 9; part++ {
		n := 0
		for c := 0; c < 3; c++ {
			if p.IsPartitionReplicatedOn(part, c) {
				n++
			}
		}
		assert.Equal(t, p.ReplicaNum(), n)
	}

	assert.Panics(t, func() { NewHashReplicatedPartitioner(0, 2, 3) })
}
