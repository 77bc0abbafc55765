package regalloc

import "github.com/raymyers/ralph-ra/pkg/lir"

// decideOnAssignment picks a register for workID among allocableRegs.
// The register it already occupies wins, then its hint if free, then the
// lowest free register. PhysNone means a victim has to be evicted.
func (a *LocalAllocator) decideOnAssignment(g lir.Group, workID lir.WorkID, assignedID lir.PhysID, allocableRegs lir.RegMask) lir.PhysID {
	if assignedID != lir.PhysNone && allocableRegs.Has(assignedID) {
		return assignedID
	}
	free := allocableRegs &^ a.cur.Assigned(g)
	if hint := a.fn.WorkReg(workID).Hint; free.Has(hint) {
		return hint
	}
	return free.Lowest()
}

// decideOnUnassignment decides whether workID, which must leave assignedID,
// moves to another register (the returned id) or gets spilled (PhysNone).
func (a *LocalAllocator) decideOnUnassignment(g lir.Group, workID lir.WorkID, assignedID lir.PhysID, allocableRegs lir.RegMask) lir.PhysID {
	free := allocableRegs &^ (a.cur.Assigned(g) | lir.Bit(assignedID))
	if hint := a.fn.WorkReg(workID).Hint; free.Has(hint) {
		return hint
	}
	return free.Lowest()
}

// decideOnSpillFor selects the occupant of spillableRegs that is cheapest to
// evict so that workID can be allocated. Ties go to the lowest register.
func (a *LocalAllocator) decideOnSpillFor(g lir.Group, workID lir.WorkID, spillableRegs lir.RegMask) (lir.WorkID, lir.PhysID, error) {
	candidates := spillableRegs & a.cur.Assigned(g)
	if candidates == 0 {
		return lir.WorkNone, lir.PhysNone, a.constraintError("no register to evict for %s in group %d (spillable %#x)",
			a.fn.WorkReg(workID).Name, g, spillableRegs)
	}
	bestWork, bestPhys := lir.WorkNone, lir.PhysNone
	var bestCost uint64
	for _, p := range candidates.IDs() {
		w := a.cur.PhysToWorkID(g, p)
		cost := a.calculateSpillCost(g, w, p)
		if bestPhys == lir.PhysNone || cost < bestCost {
			bestWork, bestPhys, bestCost = w, p, cost
		}
	}
	return bestWork, bestPhys, nil
}
