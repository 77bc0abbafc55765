package regalloc

import (
	"github.com/pkg/errors"

	"github.com/raymyers/ralph-ra/pkg/lir"
	"github.com/raymyers/ralph-ra/pkg/target"
)

// Allocator runs local register allocation over whole functions
type Allocator struct {
	target *target.Target
	emit   Emitter
}

// Result holds the block boundary states of an allocated function
type Result struct {
	// Entries holds the state each block was entered with
	Entries []*Assignment
	// Exits holds the state after each block's last instruction
	Exits []*Assignment
}

// New creates an allocator for tgt sending code to emit
func New(tgt *target.Target, emit Emitter) *Allocator {
	return &Allocator{target: tgt, emit: emit}
}

// Run allocates fn block by block in layout order. Tied registers of every
// instruction get their PhysID; fn is otherwise unchanged. Liveness must
// have been computed.
func (r *Allocator) Run(fn *lir.Function) (*Result, error) {
	if err := r.validate(fn); err != nil {
		return nil, err
	}
	la := NewLocalAllocator(fn, r.target, r.emit)
	blocks, _ := r.emit.(BlockEmitter)

	for i, b := range fn.Blocks {
		st := la.State(b.ID)
		switch {
		case st.Entry != nil:
			la.ReplaceAssignment(st.Entry)
		case i == 0:
			la.MakeInitialAssignment()
			st.Entry = la.cur.Clone()
		default:
			// Only reachable through edges later in the layout, if at all.
			la.cur.Reset()
			st.Entry = la.cur.Clone()
		}
		st.Allocated = true
		la.SetBlock(b)
		la.log.WithField("block", b.Name).Debugf("enter with %s", la.cur)

		if blocks != nil {
			if err := blocks.BeginBlock(b); err != nil {
				return nil, err
			}
		}
		for _, inst := range b.Insts {
			var err error
			switch inst.Branch {
			case lir.BranchCond:
				err = la.AllocBranch(inst, fn.Blocks[inst.Target], fn.Fallthrough(b))
			case lir.BranchJump:
				err = la.AllocJump(inst, fn.Blocks[inst.Target])
			default:
				err = la.AllocInst(inst)
			}
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: block %s", fn.Name, b.Name)
			}
		}
		if b.Terminator() == nil {
			if next := fn.Fallthrough(b); next != nil {
				if err := la.switchToBlock(next); err != nil {
					return nil, errors.WithMessagef(err, "%s: block %s", fn.Name, b.Name)
				}
			}
		}
		st.Exit = la.cur.Clone()
		la.log.WithField("block", b.Name).Debugf("exit with %s", st.Exit)
	}

	res := &Result{
		Entries: make([]*Assignment, len(fn.Blocks)),
		Exits:   make([]*Assignment, len(fn.Blocks)),
	}
	for i := range fn.Blocks {
		st := la.State(lir.BlockID(i))
		res.Entries[i], res.Exits[i] = st.Entry, st.Exit
	}
	return res, nil
}

// validate rejects functions the target cannot describe
func (r *Allocator) validate(fn *lir.Function) error {
	if len(fn.Blocks) == 0 {
		return errors.Wrapf(ErrConfig, "%s has no blocks", fn.Name)
	}
	for _, g := range fn.Groups() {
		if int(g) >= r.target.NumGroups() {
			return errors.Wrapf(ErrConfig, "%s uses group %d, target %s has %d", fn.Name, g, r.target.Name, r.target.NumGroups())
		}
		if r.target.Allocable(g) == 0 {
			return errors.Wrapf(ErrConfig, "group %s has no allocable registers", r.target.GroupName(g))
		}
	}
	for _, b := range fn.Blocks {
		if b.LiveIn == nil {
			return errors.Wrapf(ErrConfig, "block %s has no live-in set", b.Name)
		}
		for _, inst := range b.Insts {
			if inst.IsTerminator() && inst.Branch != lir.BranchReturn &&
				(inst.Target < 0 || int(inst.Target) >= len(fn.Blocks)) {
				return errors.Wrapf(ErrConfig, "block %s branches to unknown block %d", b.Name, inst.Target)
			}
			for g, clobbers := range inst.Clobbers {
				if int(g) >= r.target.NumGroups() {
					return errors.Wrapf(ErrConfig, "inst #%d clobbers group %d, target %s has %d", inst.ID, g, r.target.Name, r.target.NumGroups())
				}
				if extra := clobbers &^ lir.FullMask(r.target.Count(g)); extra != 0 {
					return errors.Wrapf(ErrConfig, "inst #%d clobbers register %d outside group %s",
						inst.ID, extra.Lowest(), r.target.GroupName(g))
				}
			}
			for _, t := range inst.Tied {
				if int(t.Work) >= len(fn.WorkRegs) || fn.WorkReg(t.Work).Group != t.Group {
					return errors.Wrapf(ErrConfig, "inst #%d: operand %%%d does not match a work register of group %d",
						inst.ID, t.Work, t.Group)
				}
				if t.IsFixed() && int(t.FixedID) >= r.target.Count(t.Group) {
					return errors.Wrapf(ErrConfig, "inst #%d: fixed register %d out of range", inst.ID, t.FixedID)
				}
			}
		}
	}
	return nil
}
