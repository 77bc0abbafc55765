package regalloc

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"github.com/raymyers/ralph-ra/pkg/lir"
)

// Assignment is the bidirectional mapping between physical registers and
// work registers, with a dirty bit per occupied physical register. The two
// views are kept inverse to each other by every mutator. Mutators panic on
// precondition violations; those are allocator bugs, not input errors.
type Assignment struct {
	groups     []physToWorkMap
	workToPhys []lir.PhysID
}

type physToWorkMap struct {
	workIDs  []lir.WorkID
	assigned lir.RegMask
	dirty    lir.RegMask
}

// NewAssignment creates an empty assignment for register files of the given
// sizes and numWorks work registers.
func NewAssignment(physCounts []int, numWorks int) *Assignment {
	a := &Assignment{
		groups:     make([]physToWorkMap, len(physCounts)),
		workToPhys: make([]lir.PhysID, numWorks),
	}
	for g, n := range physCounts {
		a.groups[g].workIDs = make([]lir.WorkID, n)
	}
	a.Reset()
	return a
}

// Reset unassigns everything
func (a *Assignment) Reset() {
	for g := range a.groups {
		m := &a.groups[g]
		for p := range m.workIDs {
			m.workIDs[p] = lir.WorkNone
		}
		m.assigned = 0
		m.dirty = 0
	}
	for w := range a.workToPhys {
		a.workToPhys[w] = lir.PhysNone
	}
}

// NumGroups returns the number of register groups
func (a *Assignment) NumGroups() int { return len(a.groups) }

// NumWorks returns the number of tracked work registers
func (a *Assignment) NumWorks() int { return len(a.workToPhys) }

// PhysCount returns the number of physical registers of a group
func (a *Assignment) PhysCount(g lir.Group) int { return len(a.groups[g].workIDs) }

// Assigned returns the mask of occupied physical registers
func (a *Assignment) Assigned(g lir.Group) lir.RegMask { return a.groups[g].assigned }

// Dirty returns the mask of occupied registers that must be saved before reuse
func (a *Assignment) Dirty(g lir.Group) lir.RegMask { return a.groups[g].dirty }

// PhysToWorkID returns the occupant of a physical register or lir.WorkNone
func (a *Assignment) PhysToWorkID(g lir.Group, physID lir.PhysID) lir.WorkID {
	return a.groups[g].workIDs[physID]
}

// WorkToPhysID returns the register of group g holding a work register or
// lir.PhysNone. A work register of another group is never found in g.
func (a *Assignment) WorkToPhysID(g lir.Group, workID lir.WorkID) lir.PhysID {
	physID := a.workToPhys[workID]
	if ids := a.groups[g].workIDs; physID == lir.PhysNone || int(physID) >= len(ids) || ids[physID] != workID {
		return lir.PhysNone
	}
	return physID
}

// IsPhysAssigned reports whether a physical register is occupied
func (a *Assignment) IsPhysAssigned(g lir.Group, physID lir.PhysID) bool {
	return a.groups[g].assigned.Has(physID)
}

// IsPhysDirty reports whether an occupied register differs from its spill slot
func (a *Assignment) IsPhysDirty(g lir.Group, physID lir.PhysID) bool {
	return a.groups[g].dirty.Has(physID)
}

// Assign binds an empty physical register to an unassigned work register
func (a *Assignment) Assign(g lir.Group, workID lir.WorkID, physID lir.PhysID, dirty bool) {
	m := &a.groups[g]
	if m.workIDs[physID] != lir.WorkNone || a.workToPhys[workID] != lir.PhysNone {
		panic(fmt.Sprintf("regalloc: assign %%%d to %d/%d: slot busy (occupant %%%d, current %d)",
			workID, g, physID, m.workIDs[physID], a.workToPhys[workID]))
	}
	bit := lir.Bit(physID)
	m.workIDs[physID] = workID
	m.assigned |= bit
	if dirty {
		m.dirty |= bit
	}
	a.workToPhys[workID] = physID
}

// Unassign clears the binding of workID to physID
func (a *Assignment) Unassign(g lir.Group, workID lir.WorkID, physID lir.PhysID) {
	a.check(g, workID, physID, "unassign")
	m := &a.groups[g]
	bit := lir.Bit(physID)
	m.workIDs[physID] = lir.WorkNone
	m.assigned &^= bit
	m.dirty &^= bit
	a.workToPhys[workID] = lir.PhysNone
}

// Reassign moves a binding from srcPhysID to the empty dstPhysID
func (a *Assignment) Reassign(g lir.Group, workID lir.WorkID, dstPhysID, srcPhysID lir.PhysID) {
	a.check(g, workID, srcPhysID, "reassign")
	m := &a.groups[g]
	if m.workIDs[dstPhysID] != lir.WorkNone {
		panic(fmt.Sprintf("regalloc: reassign %%%d to %d/%d: occupied by %%%d", workID, g, dstPhysID, m.workIDs[dstPhysID]))
	}
	dst, src := lir.Bit(dstPhysID), lir.Bit(srcPhysID)
	m.workIDs[srcPhysID] = lir.WorkNone
	m.workIDs[dstPhysID] = workID
	m.assigned = m.assigned&^src | dst
	if m.dirty&src != 0 {
		m.dirty = m.dirty&^src | dst
	}
	a.workToPhys[workID] = dstPhysID
}

// Swap exchanges two bindings; dirty bits travel with their values
func (a *Assignment) Swap(g lir.Group, aWorkID lir.WorkID, aPhysID lir.PhysID, bWorkID lir.WorkID, bPhysID lir.PhysID) {
	a.check(g, aWorkID, aPhysID, "swap")
	a.check(g, bWorkID, bPhysID, "swap")
	m := &a.groups[g]
	m.workIDs[aPhysID] = bWorkID
	m.workIDs[bPhysID] = aWorkID
	a.workToPhys[aWorkID] = bPhysID
	a.workToPhys[bWorkID] = aPhysID
	aBit, bBit := lir.Bit(aPhysID), lir.Bit(bPhysID)
	aDirty, bDirty := m.dirty&aBit != 0, m.dirty&bBit != 0
	if aDirty != bDirty {
		m.dirty ^= aBit | bBit
	}
}

// MakeDirty marks an occupied register as modified
func (a *Assignment) MakeDirty(g lir.Group, workID lir.WorkID, physID lir.PhysID) {
	a.check(g, workID, physID, "makeDirty")
	a.groups[g].dirty |= lir.Bit(physID)
}

// MakeClean marks an occupied register as equal to its spill slot
func (a *Assignment) MakeClean(g lir.Group, workID lir.WorkID, physID lir.PhysID) {
	a.check(g, workID, physID, "makeClean")
	a.groups[g].dirty &^= lir.Bit(physID)
}

func (a *Assignment) check(g lir.Group, workID lir.WorkID, physID lir.PhysID, op string) {
	if a.groups[g].workIDs[physID] != workID || a.workToPhys[workID] != physID {
		panic(fmt.Sprintf("regalloc: %s %%%d at %d/%d: binding mismatch (occupant %%%d, current %d)",
			op, workID, g, physID, a.groups[g].workIDs[physID], a.workToPhys[workID]))
	}
}

// Clone returns a deep copy
func (a *Assignment) Clone() *Assignment {
	c := &Assignment{
		groups:     make([]physToWorkMap, len(a.groups)),
		workToPhys: append([]lir.PhysID(nil), a.workToPhys...),
	}
	for g, m := range a.groups {
		c.groups[g] = physToWorkMap{
			workIDs:  append([]lir.WorkID(nil), m.workIDs...),
			assigned: m.assigned,
			dirty:    m.dirty,
		}
	}
	return c
}

// CopyFrom replaces the content of a with other; layouts must match
func (a *Assignment) CopyFrom(other *Assignment) {
	copy(a.workToPhys, other.workToPhys)
	for g := range a.groups {
		copy(a.groups[g].workIDs, other.groups[g].workIDs)
		a.groups[g].assigned = other.groups[g].assigned
		a.groups[g].dirty = other.groups[g].dirty
	}
}

// Restrict unassigns every work register that is not in liveIn
func (a *Assignment) Restrict(liveIn *bitset.BitSet) {
	for g := range a.groups {
		m := &a.groups[g]
		for _, p := range m.assigned.IDs() {
			w := m.workIDs[p]
			if !liveIn.Test(uint(w)) {
				a.Unassign(lir.Group(g), w, p)
			}
		}
	}
}

// EqualsOn reports whether both assignments bind every work register of
// liveIn identically, dirty bits included. A nil liveIn compares everything.
func (a *Assignment) EqualsOn(other *Assignment, liveIn *bitset.BitSet) bool {
	for g := range a.groups {
		am, om := &a.groups[g], &other.groups[g]
		for p := range am.workIDs {
			aw, ow := am.workIDs[p], om.workIDs[p]
			aLive := aw != lir.WorkNone && (liveIn == nil || liveIn.Test(uint(aw)))
			oLive := ow != lir.WorkNone && (liveIn == nil || liveIn.Test(uint(ow)))
			if aLive != oLive || (aLive && aw != ow) {
				return false
			}
			if aLive && am.dirty.Has(lir.PhysID(p)) != om.dirty.Has(lir.PhysID(p)) {
				return false
			}
		}
	}
	for w := range a.workToPhys {
		if liveIn != nil && !liveIn.Test(uint(w)) {
			continue
		}
		if a.workToPhys[w] != other.workToPhys[w] {
			return false
		}
	}
	return true
}

// Verify checks that both views are inverse to each other
func (a *Assignment) Verify() error {
	owner := make([]int, len(a.workToPhys))
	for i := range owner {
		owner[i] = -1
	}
	for g := range a.groups {
		m := &a.groups[g]
		var assigned lir.RegMask
		for p, w := range m.workIDs {
			if w == lir.WorkNone {
				continue
			}
			assigned |= lir.Bit(lir.PhysID(p))
			if int(w) >= len(a.workToPhys) || a.workToPhys[w] != lir.PhysID(p) {
				return errors.Errorf("group %d: phys %d holds %%%d but work maps elsewhere", g, p, w)
			}
			if owner[w] >= 0 {
				return errors.Errorf("work %%%d assigned in groups %d and %d", w, owner[w], g)
			}
			owner[w] = g
		}
		if assigned != m.assigned {
			return errors.Errorf("group %d: assigned mask %#x, expected %#x", g, m.assigned, assigned)
		}
		if m.dirty&^m.assigned != 0 {
			return errors.Errorf("group %d: dirty bits on empty registers %#x", g, m.dirty&^m.assigned)
		}
	}
	for w, p := range a.workToPhys {
		if p != lir.PhysNone && owner[w] < 0 {
			return errors.Errorf("work %%%d maps to phys %d which does not hold it", w, p)
		}
	}
	return nil
}

// String renders the occupied registers, e.g. "g0[0=%2* 1=%0]"
func (a *Assignment) String() string {
	var sb strings.Builder
	for g := range a.groups {
		if g > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "g%d[", g)
		first := true
		for _, p := range a.groups[g].assigned.IDs() {
			if !first {
				sb.WriteString(" ")
			}
			first = false
			fmt.Fprintf(&sb, "%d=%%%d", p, a.groups[g].workIDs[p])
			if a.groups[g].dirty.Has(p) {
				sb.WriteString("*")
			}
		}
		sb.WriteString("]")
	}
	return sb.String()
}
