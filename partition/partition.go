package partition

import (
	"github.com/pingcap/errors"
)

// Partitioner answers, for one coordinator, who masters a partition and who
// replicates it. Implementations are immutable after construction and safe
// to share between workers.
type Partitioner interface {
	// HasMasterPartition reports whether this coordinator masters partitionID.
	HasMasterPartition(partitionID int) bool
	// MasterCoordinator returns the coordinator authoritative for writes to
	// partitionID.
	MasterCoordinator(partitionID int) int
	// IsPartitionReplicatedOn reports whether coordinatorID holds a copy of
	// partitionID, master included.
	IsPartitionReplicatedOn(partitionID, coordinatorID int) bool
	// ReplicaNum is the number of coordinators holding each partition.
	ReplicaNum() int
	// TotalCoordinators is the cluster size.
	TotalCoordinators() int
}

// HashReplicatedPartitioner masters partition p on coordinator p mod N and
// places the remaining replicas on the next replicaNum-1 coordinators in
// ring order.
type HashReplicatedPartitioner struct {
	coordinatorID  int
	coordinatorNum int
	replicaNum     int
}

func NewHashReplicatedPartitioner(coordinatorID, coordinatorNum, replicaNum int) *HashReplicatedPartitioner {
	if replicaNum < 1 || replicaNum > coordinatorNum {
		panic(errors.Errorf("replica num %d out of range for %d coordinators", replicaNum, coordinatorNum))
	}
	return &HashReplicatedPartitioner{
		coordinatorID:  coordinatorID,
		coordinatorNum: coordinatorNum,
		replicaNum:     replicaNum,
	}
}

// NewHashPartitioner is the replica-free special case.
func NewHashPartitioner(coordinatorID, coordinatorNum int) *HashReplicatedPartitioner {
	return NewHashReplicatedPartitioner(coordinatorID, coordinatorNum, 1)
}

func (p *HashReplicatedPartitioner) HasMasterPartition(partitionID int) bool {
	return p.MasterCoordinator(partitionID) == p.coordinatorID
}

func (p *HashReplicatedPartitioner) MasterCoordinator(partitionID int) int {
	return partitionID % p.coordinatorNum
}

func (p *HashReplicatedPartitioner) IsPartitionReplicatedOn(partitionID, coordinatorID int) bool {
	master := p.MasterCoordinator(partitionID)
	d := coordinatorID - master
	if d < 0 {
		d += p.coordinatorNum
	}
	return d < p.replicaNum
}

func (p *HashReplicatedPartitioner) ReplicaNum() int { return p.replicaNum }

func (p *HashReplicatedPartitioner) TotalCoordinators() int { return p.coordinatorNum }
