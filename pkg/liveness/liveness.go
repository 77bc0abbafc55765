// Package liveness computes the liveness facts the local allocator consumes:
// live-in and live-out sets per block, last-use kill flags and a frequency
// statistic per work register.
package liveness

import (
	"github.com/bits-and-blooms/bitset"
	log "github.com/sirupsen/logrus"

	"github.com/raymyers/ralph-ra/pkg/lir"
)

// Info holds the result of the analysis
type Info struct {
	LiveIn  []*bitset.BitSet
	LiveOut []*bitset.BitSet
	// Refs counts operand references per work register
	Refs []int
	// Width counts instruction positions each work register is live across
	Width []int
}

// Options controls what Annotate writes back
type Options struct {
	// Kills replaces the kill flags of every use operand with computed ones
	Kills bool
}

// ComputeDefUse returns, per block, the work registers written in the
// block and those read before being written.
func ComputeDefUse(fn *lir.Function) (def, use []*bitset.BitSet) {
	n := uint(len(fn.WorkRegs))
	def = make([]*bitset.BitSet, len(fn.Blocks))
	use = make([]*bitset.BitSet, len(fn.Blocks))
	for i, b := range fn.Blocks {
		d, u := bitset.New(n), bitset.New(n)
		for _, inst := range b.Insts {
			for _, t := range inst.Tied {
				if t.IsUse() && !d.Test(uint(t.Work)) {
					u.Set(uint(t.Work))
				}
			}
			for _, t := range inst.Tied {
				if t.IsOut() {
					d.Set(uint(t.Work))
				}
			}
		}
		def[i], use[i] = d, u
	}
	return def, use
}

// Analyze solves the backward dataflow equations
//
//	out(b) = union of in(s) for s in succ(b)
//	in(b)  = use(b) | (out(b) - def(b))
//
// iterating in reverse layout order until nothing changes.
func Analyze(fn *lir.Function) *Info {
	n := uint(len(fn.WorkRegs))
	def, use := ComputeDefUse(fn)
	info := &Info{
		LiveIn:  make([]*bitset.BitSet, len(fn.Blocks)),
		LiveOut: make([]*bitset.BitSet, len(fn.Blocks)),
		Refs:    make([]int, n),
		Width:   make([]int, n),
	}
	for i := range fn.Blocks {
		info.LiveIn[i] = bitset.New(n)
		info.LiveOut[i] = bitset.New(n)
	}

	rounds := 0
	for changed := true; changed; rounds++ {
		changed = false
		for i := len(fn.Blocks) - 1; i >= 0; i-- {
			b := fn.Blocks[i]
			out := bitset.New(n)
			for _, s := range b.Succs {
				out.InPlaceUnion(info.LiveIn[s])
			}
			in := out.Difference(def[i])
			in.InPlaceUnion(use[i])
			if !in.Equal(info.LiveIn[i]) || !out.Equal(info.LiveOut[i]) {
				info.LiveIn[i], info.LiveOut[i] = in, out
				changed = true
			}
		}
	}
	log.Debugf("liveness of %s converged after %d rounds", fn.Name, rounds)

	for i, b := range fn.Blocks {
		live := info.LiveOut[i].Clone()
		for k := len(b.Insts) - 1; k >= 0; k-- {
			inst := b.Insts[k]
			for _, t := range inst.Tied {
				info.Refs[t.Work]++
			}
			stepBack(inst, live)
			for w, ok := live.NextSet(0); ok; w, ok = live.NextSet(w + 1) {
				info.Width[w]++
			}
		}
	}
	return info
}

// stepBack turns the set live after inst into the set live before it
func stepBack(inst *lir.Inst, live *bitset.BitSet) {
	for _, t := range inst.Tied {
		if t.IsOut() {
			live.Clear(uint(t.Work))
		}
	}
	for _, t := range inst.Tied {
		if t.IsUse() {
			live.Set(uint(t.Work))
		}
	}
}

// Frequency is the number of references per instruction position covered
func Frequency(refs, width int) float64 {
	if width < 1 {
		width = 1
	}
	return float64(refs) / float64(width)
}

// Annotate analyzes fn and writes the results back: live-in sets of blocks
// that have none, every live-out set, frequencies not yet computed and,
// when asked, kill flags.
func Annotate(fn *lir.Function, opts Options) *Info {
	info := Analyze(fn)
	for i, b := range fn.Blocks {
		if b.LiveIn == nil {
			b.LiveIn = info.LiveIn[i]
		}
		b.LiveOut = info.LiveOut[i]
	}
	for _, w := range fn.WorkRegs {
		if w.Freq < 0 {
			w.Freq = Frequency(info.Refs[w.ID], info.Width[w.ID])
		}
	}
	if opts.Kills {
		markKills(fn, info)
	}
	return info
}

// markKills flags every read of a value that is dead after the instruction.
// Operands that also write keep their register and are never killed.
func markKills(fn *lir.Function, info *Info) {
	for i, b := range fn.Blocks {
		live := info.LiveOut[i].Clone()
		for k := len(b.Insts) - 1; k >= 0; k-- {
			inst := b.Insts[k]
			for n := range inst.Tied {
				t := &inst.Tied[n]
				if !t.IsUse() {
					continue
				}
				if !t.IsOut() && !live.Test(uint(t.Work)) && !writes(inst, t.Work) {
					t.Flags |= lir.FlagKill
				} else {
					t.Flags &^= lir.FlagKill
				}
			}
			stepBack(inst, live)
		}
	}
}

func writes(inst *lir.Inst, w lir.WorkID) bool {
	for _, t := range inst.Tied {
		if t.Work == w && t.IsOut() {
			return true
		}
	}
	return false
}
