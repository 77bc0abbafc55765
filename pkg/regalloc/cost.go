package regalloc

import (
	"math"

	"github.com/raymyers/ralph-ra/pkg/lir"
)

// Spill costs only rank candidates against each other. A dirty register
// costs a quarter of a unit of frequency more, so clean registers go first
// when frequencies tie.
const (
	CostOfFrequency = 1 << 20
	CostOfDirtyFlag = CostOfFrequency / 4
)

// CostByFrequency scales a liveness frequency into the integer cost space
func CostByFrequency(freq float64) uint64 {
	if !(freq > 0) {
		return 0
	}
	scaled := math.Round(freq * CostOfFrequency)
	if scaled >= math.MaxUint64/2 {
		return math.MaxUint64 / 2
	}
	return uint64(scaled)
}

// SpillCost is the cost of evicting a value of the given frequency
func SpillCost(freq float64, dirty bool) uint64 {
	cost := CostByFrequency(freq)
	if dirty {
		cost += CostOfDirtyFlag
	}
	return cost
}

func (a *LocalAllocator) calculateSpillCost(g lir.Group, workID lir.WorkID, assignedID lir.PhysID) uint64 {
	return SpillCost(a.fn.WorkReg(workID).Freq, a.cur.IsPhysDirty(g, assignedID))
}
