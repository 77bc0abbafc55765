package regalloc

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/raymyers/ralph-ra/pkg/lir"
	"github.com/raymyers/ralph-ra/pkg/target"
)

// LocalAllocator assigns physical registers instruction by instruction
// within a block and reconciles assignments at block boundaries. It owns the
// current assignment exclusively; one instance serves one function.
type LocalAllocator struct {
	fn     *lir.Function
	target *target.Target
	emit   Emitter
	log    *log.Entry

	// cur is the assignment at the current program point
	cur *Assignment
	// tmp holds the fallthrough state while edge code is generated
	tmp *Assignment

	states []BlockState
	block  *lir.Block
	inst   *lir.Inst
}

// BlockState is the allocation state recorded for a block
type BlockState struct {
	// Entry is the assignment every predecessor must hand over, nil until fixed
	Entry *Assignment
	// Exit is the assignment after the last instruction
	Exit *Assignment
	// Allocated is set once the block body has been processed
	Allocated bool
}

// NewLocalAllocator creates a local allocator for fn
func NewLocalAllocator(fn *lir.Function, tgt *target.Target, emit Emitter) *LocalAllocator {
	counts := make([]int, tgt.NumGroups())
	for g := range counts {
		counts[g] = tgt.Count(lir.Group(g))
	}
	return &LocalAllocator{
		fn:     fn,
		target: tgt,
		emit:   emit,
		log:    log.WithField("func", fn.Name),
		cur:    NewAssignment(counts, len(fn.WorkRegs)),
		tmp:    NewAssignment(counts, len(fn.WorkRegs)),
		states: make([]BlockState, len(fn.Blocks)),
	}
}

// Assignment returns the current assignment
func (a *LocalAllocator) Assignment() *Assignment { return a.cur }

// Block returns the block being processed
func (a *LocalAllocator) Block() *lir.Block { return a.block }

// SetBlock sets the block being processed
func (a *LocalAllocator) SetBlock(b *lir.Block) { a.block = b }

// State returns the recorded state of a block
func (a *LocalAllocator) State(id lir.BlockID) *BlockState { return &a.states[id] }

// MakeInitialAssignment builds the function entry state: live-in work
// registers with a home hint arrive in that register (dirty, their spill
// slot holds nothing yet); all others arrive in their spill slots.
func (a *LocalAllocator) MakeInitialAssignment() {
	a.cur.Reset()
	entry := a.fn.Blocks[0]
	for _, w := range a.fn.WorkRegs {
		if entry.LiveIn == nil || !entry.LiveIn.Test(uint(w.ID)) || w.Hint == lir.PhysNone {
			continue
		}
		if a.target.Allocable(w.Group).Has(w.Hint) && !a.cur.IsPhysAssigned(w.Group, w.Hint) {
			a.cur.Assign(w.Group, w.ID, w.Hint, true)
		}
	}
}

// ReplaceAssignment makes a copy of other the current assignment
func (a *LocalAllocator) ReplaceAssignment(other *Assignment) {
	a.cur.CopyFrom(other)
}

// onMoveReg emits a register move and updates the assignment
func (a *LocalAllocator) onMoveReg(g lir.Group, workID lir.WorkID, dstPhysID, srcPhysID lir.PhysID) error {
	if dstPhysID == srcPhysID {
		return nil
	}
	a.cur.Reassign(g, workID, dstPhysID, srcPhysID)
	return a.emit.EmitMove(workID, dstPhysID, srcPhysID)
}

// onSwapReg emits a register exchange; the group must support it
func (a *LocalAllocator) onSwapReg(g lir.Group, aWorkID lir.WorkID, aPhysID lir.PhysID, bWorkID lir.WorkID, bPhysID lir.PhysID) error {
	if !a.target.HasSwap(g) {
		return errors.Wrapf(ErrUnsupported, "swap in group %s", a.target.GroupName(g))
	}
	a.cur.Swap(g, aWorkID, aPhysID, bWorkID, bPhysID)
	return a.emit.EmitSwap(aWorkID, aPhysID, bWorkID, bPhysID)
}

// onLoadReg loads a work register from its spill slot; the register is clean
func (a *LocalAllocator) onLoadReg(g lir.Group, workID lir.WorkID, physID lir.PhysID) error {
	a.cur.Assign(g, workID, physID, false)
	return a.emit.EmitLoad(workID, physID)
}

// onSaveReg stores a register to its spill slot; it stays assigned and clean
func (a *LocalAllocator) onSaveReg(g lir.Group, workID lir.WorkID, physID lir.PhysID) error {
	a.cur.MakeClean(g, workID, physID)
	return a.emit.EmitSave(workID, physID)
}

// onAssignReg assigns a register whose content is undefined at this point
func (a *LocalAllocator) onAssignReg(g lir.Group, workID lir.WorkID, physID lir.PhysID, dirty bool) {
	a.cur.Assign(g, workID, physID, dirty)
}

// onSpillReg saves the register if modified and unassigns it
func (a *LocalAllocator) onSpillReg(g lir.Group, workID lir.WorkID, physID lir.PhysID) error {
	if a.cur.IsPhysDirty(g, physID) {
		if err := a.onSaveReg(g, workID, physID); err != nil {
			return err
		}
	}
	a.onKillReg(g, workID, physID)
	return nil
}

func (a *LocalAllocator) onDirtyReg(g lir.Group, workID lir.WorkID, physID lir.PhysID) {
	a.cur.MakeDirty(g, workID, physID)
}

func (a *LocalAllocator) onKillReg(g lir.Group, workID lir.WorkID, physID lir.PhysID) {
	a.cur.Unassign(g, workID, physID)
}

// evict frees physID, moving its occupant into allocableRegs when one is
// free and spilling it otherwise.
func (a *LocalAllocator) evict(g lir.Group, physID lir.PhysID, allocableRegs lir.RegMask) error {
	workID := a.cur.PhysToWorkID(g, physID)
	if workID == lir.WorkNone {
		return nil
	}
	if dst := a.decideOnUnassignment(g, workID, physID, allocableRegs); dst != lir.PhysNone {
		return a.onMoveReg(g, workID, dst, physID)
	}
	return a.onSpillReg(g, workID, physID)
}

// instGroup is the per-group scratch state of AllocInst
type instGroup struct {
	g     lir.Group
	ops   []int
	avail lir.RegMask
	// clobbers are destroyed by the instruction
	clobbers lir.RegMask
	// fixedUse and fixedOut are reserved by fixed operands
	fixedUse lir.RegMask
	fixedOut lir.RegMask
	// willUse holds registers read by the instruction
	willUse lir.RegMask
	// willOut holds registers written by define-only operands
	willOut lir.RegMask
	// rewritten holds registers of read-write operands
	rewritten lir.RegMask
}

// AllocInst resolves the tied registers of inst, emits the required moves,
// swaps, loads and saves, then emits inst itself with every TiedReg.PhysID
// set.
func (a *LocalAllocator) AllocInst(inst *lir.Inst) error {
	a.inst = inst
	defer func() { a.inst = nil }()
	for i := range inst.Tied {
		inst.Tied[i].PhysID = lir.PhysNone
	}
	for g := 0; g < a.cur.NumGroups(); g++ {
		st := &instGroup{g: lir.Group(g), ops: inst.TiedOf(lir.Group(g)), clobbers: inst.ClobbersOf(lir.Group(g))}
		if len(st.ops) == 0 && st.clobbers == 0 {
			continue
		}
		if err := a.allocGroup(inst, st); err != nil {
			return err
		}
	}
	return a.emit.EmitInst(inst)
}

func (a *LocalAllocator) allocGroup(inst *lir.Inst, st *instGroup) error {
	g := st.g
	st.avail = a.target.Allocable(g)
	if len(st.ops) > 0 && st.avail == 0 {
		return errors.Wrapf(ErrConfig, "group %s has no allocable registers (inst #%d)", a.target.GroupName(g), inst.ID)
	}
	if err := a.checkConstraints(inst, st); err != nil {
		return err
	}

	// Fixed operands first: their registers are emptied so that nothing else
	// is assigned there by the following steps.
	for _, i := range st.ops {
		t := &inst.Tied[i]
		if t.IsFixed() && t.IsUse() {
			if err := a.allocFixedUse(st, t, t.FixedID); err != nil {
				return err
			}
		}
	}
	for _, i := range st.ops {
		t := &inst.Tied[i]
		if t.IsFixed() && t.IsOutOnly() {
			if err := a.prepareFixedOut(inst, st, t); err != nil {
				return err
			}
		}
	}

	// Remaining use operands.
	for n, i := range st.ops {
		t := &inst.Tied[i]
		if t.IsFixed() || !t.IsUse() || t.PhysID != lir.PhysNone {
			continue
		}
		if err := a.allocUse(inst, st, n); err != nil {
			return err
		}
	}

	// Values read for the last time leave their registers; those registers
	// can take outputs of this instruction but nothing is moved into them.
	// Read-write operands keep theirs.
	for _, i := range st.ops {
		t := &inst.Tied[i]
		if t.IsUse() && t.IsOut() {
			st.rewritten |= lir.Bit(t.PhysID)
		}
	}
	for _, i := range st.ops {
		t := &inst.Tied[i]
		if t.IsUse() && t.IsKill() && !t.IsOut() && !st.rewritten.Has(t.PhysID) &&
			a.cur.PhysToWorkID(g, t.PhysID) == t.Work {
			a.onKillReg(g, t.Work, t.PhysID)
		}
	}

	// Define-only operands.
	for _, i := range st.ops {
		t := &inst.Tied[i]
		if t.IsOutOnly() {
			if err := a.allocOut(inst, st, t); err != nil {
				return err
			}
		}
	}

	if err := a.allocClobbers(inst, st); err != nil {
		return err
	}

	for _, i := range st.ops {
		t := &inst.Tied[i]
		if t.IsUse() && t.IsOut() && a.cur.PhysToWorkID(g, t.PhysID) == t.Work {
			a.onDirtyReg(g, t.Work, t.PhysID)
		}
	}
	return nil
}

// checkConstraints rejects operand combinations no assignment can satisfy
func (a *LocalAllocator) checkConstraints(inst *lir.Inst, st *instGroup) error {
	g := st.g
	fixedUseWork := map[lir.PhysID]lir.WorkID{}
	fixedOutWork := map[lir.PhysID]lir.WorkID{}
	outOnly := map[lir.WorkID]bool{}
	used := map[lir.WorkID]bool{}
	var useWorks int
	for n, i := range st.ops {
		t := &inst.Tied[i]
		w := a.fn.WorkReg(t.Work)
		if !t.IsUse() && !t.IsOut() {
			return a.constraintError("operand %s is neither read nor written", w.Name)
		}
		if t.IsConsecutive() && n == 0 {
			return a.constraintError("operand %s is consecutive but has no lead", w.Name)
		}
		if t.IsConsecutive() || (n+1 < len(st.ops) && inst.Tied[st.ops[n+1]].IsConsecutive()) {
			for m, j := range st.ops {
				if m != n && inst.Tied[j].Work == t.Work {
					return a.constraintError("consecutive operand %s appears twice", w.Name)
				}
			}
		}
		if t.IsUse() {
			if !used[t.Work] {
				useWorks++
			}
			used[t.Work] = true
		}
		if t.IsOutOnly() {
			if outOnly[t.Work] {
				return a.constraintError("%s is defined twice", w.Name)
			}
			outOnly[t.Work] = true
		}
		if !t.IsFixed() {
			continue
		}
		if !st.avail.Has(t.FixedID) {
			return a.constraintError("%s fixed to %s which is not allocable", w.Name, a.target.RegName(g, t.FixedID))
		}
		byReg := fixedOutWork
		if t.IsUse() {
			byReg = fixedUseWork
			st.fixedUse |= lir.Bit(t.FixedID)
		} else {
			st.fixedOut |= lir.Bit(t.FixedID)
		}
		if other, ok := byReg[t.FixedID]; ok && other != t.Work {
			return a.constraintError("%s and %s both fixed to %s", a.fn.WorkReg(other).Name, w.Name,
				a.target.RegName(g, t.FixedID))
		}
		byReg[t.FixedID] = t.Work
	}
	for _, i := range st.ops {
		t := &inst.Tied[i]
		if !t.IsUse() {
			continue
		}
		if t.IsFixed() && fixedUseWork[t.FixedID] == t.Work {
			for _, j := range st.ops {
				o := &inst.Tied[j]
				if o.Work == t.Work && o.IsUse() && o.IsFixed() && o.FixedID != t.FixedID {
					return a.constraintError("%s fixed to both %s and %s", a.fn.WorkReg(t.Work).Name,
						a.target.RegName(g, t.FixedID), a.target.RegName(g, o.FixedID))
				}
			}
		}
		if t.IsOut() && t.IsFixed() && st.fixedOut.Has(t.FixedID) {
			return a.constraintError("%s is written by two operands", a.target.RegName(g, t.FixedID))
		}
	}
	for w := range outOnly {
		if used[w] {
			return a.constraintError("%s is read and defined by separate operands", a.fn.WorkReg(w).Name)
		}
	}
	if useWorks > st.avail.Count() || len(outOnly) > st.avail.Count() {
		return a.constraintError("%d values read and %d defined with %d registers in group %s",
			useWorks, len(outOnly), st.avail.Count(), a.target.GroupName(g))
	}
	return nil
}

// moveTargets are the registers an evicted value may be moved into
func (st *instGroup) moveTargets() lir.RegMask {
	return st.avail &^ (st.fixedUse | st.fixedOut | st.willUse | st.willOut | st.clobbers)
}

// allocFixedUse places t's work register in physID
func (a *LocalAllocator) allocFixedUse(st *instGroup, t *lir.TiedReg, physID lir.PhysID) error {
	g, w := st.g, t.Work
	assignedID := a.cur.WorkToPhysID(g, w)
	if assignedID != physID {
		if occ := a.cur.PhysToWorkID(g, physID); occ != lir.WorkNone {
			if st.willUse.Has(physID) {
				return a.constraintError("%s and %s both need %s", a.fn.WorkReg(occ).Name, a.fn.WorkReg(w).Name,
					a.target.RegName(g, physID))
			}
			// A swap puts both values in place with one instruction when
			// the occupant may live where w is now.
			if assignedID != lir.PhysNone && a.target.HasSwap(g) && !st.willUse.Has(assignedID) &&
				!st.fixedOut.Has(assignedID) && !st.clobbers.Has(assignedID) &&
				(!st.fixedUse.Has(assignedID) || a.fixedUseAt(st, assignedID) == occ) {
				if err := a.onSwapReg(g, occ, physID, w, assignedID); err != nil {
					return err
				}
				assignedID = physID
			} else if q := a.fixedUseOf(st, occ); q != lir.PhysNone && !a.cur.IsPhysAssigned(g, q) {
				// The occupant is needed in another fixed register anyway.
				if err := a.onMoveReg(g, occ, q, physID); err != nil {
					return err
				}
			} else if err := a.evict(g, physID, st.moveTargets()); err != nil {
				return err
			}
		}
		if assignedID != physID {
			var err error
			if assignedID != lir.PhysNone {
				err = a.onMoveReg(g, w, physID, assignedID)
			} else {
				err = a.onLoadReg(g, w, physID)
			}
			if err != nil {
				return err
			}
		}
	}
	t.PhysID = physID
	st.willUse |= lir.Bit(physID)
	return nil
}

func (a *LocalAllocator) fixedUseAt(st *instGroup, physID lir.PhysID) lir.WorkID {
	for _, i := range st.ops {
		t := &a.inst.Tied[i]
		if t.IsFixed() && t.IsUse() && t.FixedID == physID {
			return t.Work
		}
	}
	return lir.WorkNone
}

func (a *LocalAllocator) fixedUseOf(st *instGroup, workID lir.WorkID) lir.PhysID {
	for _, i := range st.ops {
		t := &a.inst.Tied[i]
		if t.IsFixed() && t.IsUse() && t.Work == workID {
			return t.FixedID
		}
	}
	return lir.PhysNone
}

// readsWork reports whether inst reads workID through a use operand
func readsWork(inst *lir.Inst, st *instGroup, workID lir.WorkID) (used, killed bool) {
	for _, i := range st.ops {
		t := &inst.Tied[i]
		if t.Work == workID && t.IsUse() {
			used = true
			killed = killed || (t.IsKill() && !t.IsOut())
		}
	}
	return used, killed
}

// prepareFixedOut empties the register of a fixed define-only operand. A
// value read by this instruction from that register stays until allocOut.
func (a *LocalAllocator) prepareFixedOut(inst *lir.Inst, st *instGroup, t *lir.TiedReg) error {
	g, p := st.g, t.FixedID
	if assignedID := a.cur.WorkToPhysID(g, t.Work); assignedID != lir.PhysNone && assignedID != p {
		// The previous value of a redefined register is dead.
		a.onKillReg(g, t.Work, assignedID)
	}
	occ := a.cur.PhysToWorkID(g, p)
	if occ == lir.WorkNone || occ == t.Work || st.willUse.Has(p) {
		return nil
	}
	return a.evict(g, p, st.moveTargets())
}

// allocUse assigns the use operand at st.ops[n] and its consecutive followers
func (a *LocalAllocator) allocUse(inst *lir.Inst, st *instGroup, n int) error {
	g := st.g
	t := &inst.Tied[st.ops[n]]
	followers := 0
	for k := n + 1; k < len(st.ops) && inst.Tied[st.ops[k]].IsConsecutive(); k++ {
		followers++
	}
	assignedID := a.cur.WorkToPhysID(g, t.Work)
	if followers == 0 && assignedID != lir.PhysNone && st.willUse.Has(assignedID) {
		// Another operand reads the same value.
		t.PhysID = assignedID
		return nil
	}

	mask := st.avail
	if t.Allocable != 0 {
		mask &= t.Allocable
	}
	mask &^= st.fixedUse | st.willUse
	if !t.IsKill() || t.IsOut() {
		mask &^= st.fixedOut
		if kept := mask &^ st.clobbers; kept != 0 {
			mask = kept
		}
	}
	if followers > 0 {
		mask = consecutiveLeads(mask, st.avail&^(st.fixedUse|st.willUse|st.fixedOut), followers)
	}
	if mask == 0 {
		return a.constraintError("no register can hold %s", a.fn.WorkReg(t.Work).Name)
	}

	physID := a.decideOnAssignment(g, t.Work, assignedID, mask)
	if physID == lir.PhysNone {
		spillable := mask
		if preferred := mask &^ a.pendingUseRegs(inst, st); preferred&a.cur.Assigned(g) != 0 {
			spillable = preferred
		}
		victim, victimID, err := a.decideOnSpillFor(g, t.Work, spillable)
		if err != nil {
			return err
		}
		if err := a.onSpillReg(g, victim, victimID); err != nil {
			return err
		}
		physID = victimID
	}
	if physID != assignedID {
		var err error
		if assignedID != lir.PhysNone {
			err = a.onMoveReg(g, t.Work, physID, assignedID)
		} else {
			err = a.onLoadReg(g, t.Work, physID)
		}
		if err != nil {
			return err
		}
	}
	t.PhysID = physID
	st.willUse |= lir.Bit(physID)

	for k := 1; k <= followers; k++ {
		f := &inst.Tied[st.ops[n+k]]
		if !f.IsUse() {
			return a.constraintError("consecutive operand %s must be read", a.fn.WorkReg(f.Work).Name)
		}
		if err := a.allocFixedUse(st, f, physID+lir.PhysID(k)); err != nil {
			return err
		}
	}
	return nil
}

// consecutiveLeads returns the ids p of leads such that p+1..p+n are in follow
func consecutiveLeads(leads, follow lir.RegMask, n int) lir.RegMask {
	var out lir.RegMask
	for _, p := range leads.IDs() {
		ok := true
		for k := 1; k <= n; k++ {
			if int(p)+k >= lir.MaxPhysRegs || !follow.Has(p+lir.PhysID(k)) {
				ok = false
				break
			}
		}
		if ok {
			out |= lir.Bit(p)
		}
	}
	return out
}

// pendingUseRegs are registers holding values this instruction still has to read
func (a *LocalAllocator) pendingUseRegs(inst *lir.Inst, st *instGroup) lir.RegMask {
	var m lir.RegMask
	for _, i := range st.ops {
		t := &inst.Tied[i]
		if t.IsUse() && t.PhysID == lir.PhysNone {
			if p := a.cur.WorkToPhysID(st.g, t.Work); p != lir.PhysNone {
				m |= lir.Bit(p)
			}
		}
	}
	return m
}

// allocOut assigns a define-only operand. Its previous value is dead.
func (a *LocalAllocator) allocOut(inst *lir.Inst, st *instGroup, t *lir.TiedReg) error {
	g, w := st.g, t.Work
	if t.IsFixed() {
		p := t.FixedID
		if occ := a.cur.PhysToWorkID(g, p); occ != lir.WorkNone && occ != w {
			// Only a value read by this instruction can still be here; keep
			// it in memory if it outlives the instruction.
			if err := a.onSpillReg(g, occ, p); err != nil {
				return err
			}
		}
		if a.cur.WorkToPhysID(g, w) == p {
			a.onDirtyReg(g, w, p)
		} else {
			a.onAssignReg(g, w, p, true)
		}
		t.PhysID = p
		st.willOut |= lir.Bit(p)
		return nil
	}

	mask := st.avail
	if t.Allocable != 0 {
		mask &= t.Allocable
	}
	mask &^= st.willOut | st.fixedOut | st.rewritten
	assignedID := a.cur.WorkToPhysID(g, w)
	if assignedID != lir.PhysNone && !mask.Has(assignedID) {
		a.onKillReg(g, w, assignedID)
		assignedID = lir.PhysNone
	}
	physID := a.decideOnAssignment(g, w, assignedID, mask)
	if physID == lir.PhysNone {
		spillable := mask &^ st.willUse
		if spillable&a.cur.Assigned(g) == 0 {
			spillable = mask
		}
		victim, victimID, err := a.decideOnSpillFor(g, w, spillable)
		if err != nil {
			return err
		}
		if err := a.onSpillReg(g, victim, victimID); err != nil {
			return err
		}
		physID = victimID
	}
	if physID == assignedID {
		a.onDirtyReg(g, w, physID)
	} else {
		a.onAssignReg(g, w, physID, true)
	}
	t.PhysID = physID
	st.willOut |= lir.Bit(physID)
	return nil
}

// allocClobbers empties registers the instruction destroys. Values read by
// the instruction are spilled in place, unless they die here; other values
// move to a surviving register when one is free.
func (a *LocalAllocator) allocClobbers(inst *lir.Inst, st *instGroup) error {
	g := st.g
	clobbered := st.clobbers
	for _, i := range st.ops {
		t := &inst.Tied[i]
		if t.IsClobber() && t.IsUse() && !t.IsOut() {
			clobbered |= lir.Bit(t.PhysID)
		}
	}
	clobbered &^= st.willOut | st.rewritten
	for _, p := range clobbered.IDs() {
		w := a.cur.PhysToWorkID(g, p)
		if w == lir.WorkNone {
			continue
		}
		if used, killed := readsWork(inst, st, w); used {
			if killed {
				a.onKillReg(g, w, p)
				continue
			}
			if err := a.onSpillReg(g, w, p); err != nil {
				return err
			}
			continue
		}
		if err := a.evict(g, p, st.avail&^(clobbered|st.willUse|st.willOut|st.fixedOut|st.rewritten)); err != nil {
			return err
		}
	}
	return nil
}
