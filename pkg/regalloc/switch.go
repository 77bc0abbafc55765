package regalloc

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"github.com/raymyers/ralph-ra/pkg/lir"
)

// SwitchToAssignment rewrites the current assignment into dst for every
// work register of liveIn, emitting the necessary code.
//
// A dst that is not read-only belongs to a block whose code has not been
// generated yet; it is restricted to liveIn and may be relaxed to dirty
// instead of saving the current register.
//
// In try mode the result only approaches dst: nothing is killed, spilled,
// loaded or saved, and values only move into free registers or swap. The
// exact switch on the other edge completes the job.
func (a *LocalAllocator) SwitchToAssignment(dst *Assignment, liveIn *bitset.BitSet, dstReadOnly, tryMode bool) error {
	if !dstReadOnly && liveIn != nil {
		dst.Restrict(liveIn)
	}
	a.log.Debugf("switch %s -> %s (try=%t)", a.cur, dst, tryMode)
	for g := 0; g < a.cur.NumGroups(); g++ {
		sw := &groupSwitch{a: a, g: lir.Group(g), dst: dst, liveIn: liveIn, tryMode: tryMode}
		if err := sw.run(); err != nil {
			return err
		}
		if !tryMode {
			if err := sw.syncDirty(dstReadOnly); err != nil {
				return err
			}
		}
	}
	if !tryMode && !a.cur.EqualsOn(dst, liveIn) {
		return errors.Wrapf(ErrInconsistentState, "switch ended in %s, expected %s", a.cur, dst)
	}
	return nil
}

type groupSwitch struct {
	a       *LocalAllocator
	g       lir.Group
	dst     *Assignment
	liveIn  *bitset.BitSet
	tryMode bool
}

func (sw *groupSwitch) live(w lir.WorkID) bool {
	return w != lir.WorkNone && (sw.liveIn == nil || sw.liveIn.Test(uint(w)))
}

// want returns the live work register dst expects in physID
func (sw *groupSwitch) want(physID lir.PhysID) lir.WorkID {
	if w := sw.dst.PhysToWorkID(sw.g, physID); sw.live(w) {
		return w
	}
	return lir.WorkNone
}

// wanted is the mask of registers dst expects a live value in
func (sw *groupSwitch) wanted() lir.RegMask {
	var m lir.RegMask
	for _, p := range sw.dst.Assigned(sw.g).IDs() {
		if sw.want(p) != lir.WorkNone {
			m |= lir.Bit(p)
		}
	}
	return m
}

func (sw *groupSwitch) run() error {
	a, g, cur := sw.a, sw.g, sw.a.cur
	wanted := sw.wanted()

	if !sw.tryMode {
		for _, p := range cur.Assigned(g).IDs() {
			w := cur.PhysToWorkID(g, p)
			if !sw.live(w) {
				a.onKillReg(g, w, p)
				continue
			}
			if sw.dst.WorkToPhysID(g, w) == lir.PhysNone {
				if err := a.onSpillReg(g, w, p); err != nil {
					return err
				}
			}
		}
	}

	for {
		progress := false
		for _, p := range wanted.IDs() {
			w := sw.want(p)
			if cur.PhysToWorkID(g, p) != lir.WorkNone {
				continue
			}
			if q := cur.WorkToPhysID(g, w); q != lir.PhysNone {
				if err := a.onMoveReg(g, w, p, q); err != nil {
					return err
				}
				progress = true
			} else if !sw.tryMode {
				if err := a.onLoadReg(g, w, p); err != nil {
					return err
				}
				progress = true
			}
		}
		if progress {
			continue
		}
		done, err := sw.breakCycle(wanted)
		if err != nil || done {
			return err
		}
	}
}

// breakCycle resolves one register that is occupied by the wrong value and
// reports whether nothing is left to resolve.
func (sw *groupSwitch) breakCycle(wanted lir.RegMask) (bool, error) {
	a, g, cur := sw.a, sw.g, sw.a.cur
	var blocked []lir.PhysID
	for _, p := range wanted.IDs() {
		occ, w := cur.PhysToWorkID(g, p), sw.want(p)
		if occ == lir.WorkNone || occ == w {
			continue
		}
		// Try mode cannot load, so freeing the register gains nothing.
		if sw.tryMode && cur.WorkToPhysID(g, w) == lir.PhysNone {
			continue
		}
		blocked = append(blocked, p)
	}
	if len(blocked) == 0 {
		return true, nil
	}

	if a.target.HasSwap(g) {
		// A swap that puts both values in place first, then any swap that
		// places one of them.
		for _, perfect := range []bool{true, false} {
			for _, p := range blocked {
				w, occ := sw.want(p), cur.PhysToWorkID(g, p)
				q := cur.WorkToPhysID(g, w)
				if q == lir.PhysNone || (perfect && sw.want(q) != occ) {
					continue
				}
				return false, a.onSwapReg(g, occ, p, w, q)
			}
		}
	}

	p := blocked[0]
	occ := cur.PhysToWorkID(g, p)
	spare := a.target.Allocable(g) &^ (cur.Assigned(g) | wanted)
	if hint := a.fn.WorkReg(occ).Hint; spare.Has(hint) {
		return false, a.onMoveReg(g, occ, hint, p)
	}
	if spare != 0 {
		return false, a.onMoveReg(g, occ, spare.Lowest(), p)
	}
	if sw.tryMode {
		return true, nil
	}
	return false, a.onSpillReg(g, occ, p)
}

// syncDirty reconciles dirty bits of registers already in place
func (sw *groupSwitch) syncDirty(dstReadOnly bool) error {
	a, g, cur := sw.a, sw.g, sw.a.cur
	for _, p := range sw.wanted().IDs() {
		w := sw.want(p)
		if cur.PhysToWorkID(g, p) != w {
			continue
		}
		curDirty, dstDirty := cur.IsPhysDirty(g, p), sw.dst.IsPhysDirty(g, p)
		switch {
		case dstDirty && !curDirty:
			a.onDirtyReg(g, w, p)
		case curDirty && !dstDirty && !dstReadOnly:
			sw.dst.MakeDirty(g, w, p)
		case curDirty && !dstDirty:
			if err := a.onSaveReg(g, w, p); err != nil {
				return err
			}
		}
	}
	return nil
}
