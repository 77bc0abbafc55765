package regalloc

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/raymyers/ralph-ra/pkg/lir"
)

// AllocBranch allocates a conditional branch to target that falls through
// to cont (nil when nothing follows).
//
// When the target's entry state is already fixed, the current state is
// first brought as close to it as possible without code that would hurt
// the fallthrough path. Whatever remains is generated out of line, on the
// taken edge only. A target without an entry state adopts the state after
// the branch.
func (a *LocalAllocator) AllocBranch(inst *lir.Inst, target, cont *lir.Block) error {
	ts := a.State(target.ID)
	if ts.Entry != nil {
		if err := a.SwitchToAssignment(ts.Entry, target.LiveIn, ts.Allocated, true); err != nil {
			return err
		}
	}
	if err := a.AllocInst(inst); err != nil {
		return err
	}
	if ts.Entry != nil {
		a.tmp.CopyFrom(a.cur)
		if err := a.emit.EnterEdge(inst, target.ID); err != nil {
			return err
		}
		if err := a.SwitchToAssignment(ts.Entry, target.LiveIn, ts.Allocated, false); err != nil {
			return err
		}
		if err := a.emit.LeaveEdge(target.ID); err != nil {
			return err
		}
		a.cur, a.tmp = a.tmp, a.cur
	} else {
		a.setEntry(target)
	}
	if cont == nil {
		return nil
	}
	return a.switchToBlock(cont)
}

// AllocJump allocates an unconditional jump to target. A fixed entry state
// is reached before the jump executes; values the jump reads stay in
// registers the entry state leaves free until then.
func (a *LocalAllocator) AllocJump(inst *lir.Inst, target *lir.Block) error {
	ts := a.State(target.ID)
	if ts.Entry == nil {
		if err := a.AllocInst(inst); err != nil {
			return err
		}
		a.setEntry(target)
		return nil
	}
	if !ts.Allocated && target.LiveIn != nil {
		ts.Entry.Restrict(target.LiveIn)
	}

	a.inst = inst
	dst, liveIn, operands, err := a.jumpState(inst, ts.Entry, target.LiveIn)
	a.inst = nil
	if err != nil {
		return err
	}
	if err := a.SwitchToAssignment(dst, liveIn, ts.Allocated, false); err != nil {
		return err
	}
	for g := 0; g < a.cur.NumGroups(); g++ {
		g := lir.Group(g)
		for _, p := range ts.Entry.Assigned(g).IDs() {
			if dst.IsPhysDirty(g, p) && !ts.Entry.IsPhysDirty(g, p) {
				ts.Entry.MakeDirty(g, ts.Entry.PhysToWorkID(g, p), p)
			}
		}
	}
	// A value the target keeps in memory must be there before the jump.
	for _, t := range operands {
		p := a.cur.WorkToPhysID(t.Group, t.Work)
		if liveOn(target.LiveIn, t.Work) && a.cur.IsPhysDirty(t.Group, p) {
			if err := a.onSaveReg(t.Group, t.Work, p); err != nil {
				return err
			}
		}
	}

	if err := a.AllocInst(inst); err != nil {
		return err
	}
	for _, t := range operands {
		p := a.cur.WorkToPhysID(t.Group, t.Work)
		if p != lir.PhysNone && (!a.cur.IsPhysDirty(t.Group, p) || !liveOn(target.LiveIn, t.Work)) {
			a.onKillReg(t.Group, t.Work, p)
		}
	}
	if !a.cur.EqualsOn(ts.Entry, target.LiveIn) {
		return a.constraintError("operands of the jump disturb the entry state of %s", target.Name)
	}
	return nil
}

// jumpState extends entry with registers for the values inst reads that
// entry does not hold: the register they occupy if entry leaves it free,
// else the fixed register, the hint or the lowest free one. It returns the
// extended state, the matching live set and the added operands.
func (a *LocalAllocator) jumpState(inst *lir.Inst, entry *Assignment, liveIn *bitset.BitSet) (*Assignment, *bitset.BitSet, []*lir.TiedReg, error) {
	dst := entry.Clone()
	var live *bitset.BitSet
	if liveIn != nil {
		live = liveIn.Clone()
	}
	var added []*lir.TiedReg
	for i := range inst.Tied {
		t := &inst.Tied[i]
		g := t.Group
		if !t.IsUse() || dst.WorkToPhysID(g, t.Work) != lir.PhysNone {
			continue
		}
		free := a.target.Allocable(g) &^ dst.Assigned(g)
		if t.Allocable != 0 {
			free &= t.Allocable
		}
		cur := a.cur.WorkToPhysID(g, t.Work)
		physID := lir.PhysNone
		switch hint := a.fn.WorkReg(t.Work).Hint; {
		case t.IsFixed():
			if !free.Has(t.FixedID) {
				return nil, nil, nil, a.constraintError("%s is fixed to %s, which the entry of the target needs",
					a.fn.WorkReg(t.Work).Name, a.target.RegName(g, t.FixedID))
			}
			physID = t.FixedID
		case cur != lir.PhysNone && free.Has(cur):
			physID = cur
		case free.Has(hint):
			physID = hint
		default:
			physID = free.Lowest()
		}
		if physID == lir.PhysNone {
			return nil, nil, nil, a.constraintError("no register left for %s before the jump", a.fn.WorkReg(t.Work).Name)
		}
		dirty := cur != lir.PhysNone && a.cur.IsPhysDirty(g, cur)
		dst.Assign(g, t.Work, physID, dirty)
		if live != nil {
			live.Set(uint(t.Work))
		}
		added = append(added, t)
	}
	return dst, live, added, nil
}

// switchToBlock hands the current state over to next, which is entered
// without a branch.
func (a *LocalAllocator) switchToBlock(next *lir.Block) error {
	ns := a.State(next.ID)
	if ns.Entry != nil {
		return a.SwitchToAssignment(ns.Entry, next.LiveIn, ns.Allocated, false)
	}
	a.setEntry(next)
	return nil
}

// setEntry fixes the entry state of b to the current state
func (a *LocalAllocator) setEntry(b *lir.Block) {
	entry := a.cur.Clone()
	if b.LiveIn != nil {
		entry.Restrict(b.LiveIn)
	}
	a.State(b.ID).Entry = entry
	a.log.Debugf("entry of %s fixed to %s", b.Name, entry)
}

// liveOn reports whether w is in set; a nil set holds every work register
func liveOn(set *bitset.BitSet, w lir.WorkID) bool {
	return set == nil || set.Test(uint(w))
}
