// Package lir defines the LIR (Lowered Instruction Representation) consumed by
// the local register allocator. Instructions are already selected; every
// operand that needs a physical register is described by a TiedReg binding a
// work register to its allocation constraints.
package lir

import (
	"math/bits"

	"github.com/bits-and-blooms/bitset"
)

// Group identifies an independent register file (general purpose, vector, mask...)
type Group uint8

// PhysID is a physical register id within a group
type PhysID uint8

// WorkID is a dense work register id within a function
type WorkID uint32

// BlockID indexes Function.Blocks
type BlockID int

const (
	// PhysNone marks an unassigned physical id
	PhysNone PhysID = 0xFF
	// WorkNone marks an empty physical register
	WorkNone WorkID = 0xFFFFFFFF
	// BlockNone marks a missing block reference
	BlockNone BlockID = -1
	// MaxPhysRegs is the largest register file a group may describe
	MaxPhysRegs = 64
)

// RegMask has one bit per physical id of a group
type RegMask uint64

// MaskOf builds a mask from a list of physical ids
func MaskOf(ids ...PhysID) RegMask {
	var m RegMask
	for _, id := range ids {
		m |= Bit(id)
	}
	return m
}

// Bit returns the mask of a single physical id
func Bit(id PhysID) RegMask {
	return RegMask(1) << id
}

// Has reports whether id is in the mask
func (m RegMask) Has(id PhysID) bool {
	return id < MaxPhysRegs && m&Bit(id) != 0
}

// Count returns the number of ids in the mask
func (m RegMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// Lowest returns the lowest id in the mask, or PhysNone if empty
func (m RegMask) Lowest() PhysID {
	if m == 0 {
		return PhysNone
	}
	return PhysID(bits.TrailingZeros64(uint64(m)))
}

// IDs returns the ids in ascending order
func (m RegMask) IDs() []PhysID {
	ids := make([]PhysID, 0, m.Count())
	for m != 0 {
		id := m.Lowest()
		ids = append(ids, id)
		m &^= Bit(id)
	}
	return ids
}

// FullMask returns a mask with the first n ids set
func FullMask(n int) RegMask {
	if n >= MaxPhysRegs {
		return ^RegMask(0)
	}
	return RegMask(1)<<uint(n) - 1
}

// WorkReg is a virtual register representing one program value
type WorkReg struct {
	ID    WorkID
	Name  string
	Group Group
	// Freq is the liveness frequency (execution weight) used for spill cost
	Freq float64
	// Hint is a preferred home register, e.g. the argument register at entry
	Hint PhysID
}

// TiedFlags describes how an instruction uses a tied register
type TiedFlags uint8

const (
	// FlagUse means the instruction reads the register
	FlagUse TiedFlags = 1 << iota
	// FlagOut means the instruction writes the register
	FlagOut
	// FlagKill marks the last use of the value
	FlagKill
	// FlagFixed requires the operand in TiedReg.FixedID
	FlagFixed
	// FlagConsecutive requires PhysID == previous operand's PhysID + 1
	FlagConsecutive
	// FlagClobber means the instruction destroys the register content
	FlagClobber
)

var flagNames = []struct {
	flag TiedFlags
	name string
}{
	{FlagUse, "use"},
	{FlagOut, "out"},
	{FlagKill, "kill"},
	{FlagFixed, "fixed"},
	{FlagConsecutive, "consec"},
	{FlagClobber, "clobber"},
}

// Has reports whether all flags in f2 are set
func (f TiedFlags) Has(f2 TiedFlags) bool {
	return f&f2 == f2
}

// TiedReg binds a work register to per-operand allocation constraints
type TiedReg struct {
	Work    WorkID
	Group   Group
	Flags   TiedFlags
	FixedID PhysID
	// Allocable restricts the candidates, zero means the group default
	Allocable RegMask
	// PhysID is the register chosen by the allocator for this instruction
	PhysID PhysID
}

func (t *TiedReg) IsUse() bool         { return t.Flags.Has(FlagUse) }
func (t *TiedReg) IsOut() bool         { return t.Flags.Has(FlagOut) }
func (t *TiedReg) IsOutOnly() bool     { return t.Flags&(FlagUse|FlagOut) == FlagOut }
func (t *TiedReg) IsKill() bool        { return t.Flags.Has(FlagKill) }
func (t *TiedReg) IsFixed() bool       { return t.Flags.Has(FlagFixed) }
func (t *TiedReg) IsConsecutive() bool { return t.Flags.Has(FlagConsecutive) }
func (t *TiedReg) IsClobber() bool     { return t.Flags.Has(FlagClobber) }

// BranchKind classifies block terminators
type BranchKind uint8

const (
	BranchNone BranchKind = iota
	BranchJump
	BranchCond
	BranchReturn
)

func (k BranchKind) String() string {
	switch k {
	case BranchJump:
		return "jump"
	case BranchCond:
		return "cond"
	case BranchReturn:
		return "ret"
	}
	return "none"
}

// Inst is a selected machine instruction
type Inst struct {
	ID       int
	Op       string
	Tied     []TiedReg
	Clobbers map[Group]RegMask
	Branch   BranchKind
	// Target is the jump destination for BranchJump and BranchCond
	Target BlockID
}

// TiedOf returns the indices of the tied registers of a group, in operand order
func (i *Inst) TiedOf(g Group) []int {
	var idx []int
	for n := range i.Tied {
		if i.Tied[n].Group == g {
			idx = append(idx, n)
		}
	}
	return idx
}

// ClobbersOf returns the clobber mask for a group
func (i *Inst) ClobbersOf(g Group) RegMask {
	if i.Clobbers == nil {
		return 0
	}
	return i.Clobbers[g]
}

// IsTerminator reports whether the instruction ends its block
func (i *Inst) IsTerminator() bool {
	return i.Branch != BranchNone
}

// Block is a basic block
type Block struct {
	ID    BlockID
	Name  string
	Insts []*Inst
	// LiveIn holds work ids that carry a value on entry
	LiveIn *bitset.BitSet
	// LiveOut holds work ids that carry a value on exit
	LiveOut *bitset.BitSet
	Preds   []BlockID
	Succs   []BlockID
}

// Terminator returns the last instruction if it is a branch
func (b *Block) Terminator() *Inst {
	if len(b.Insts) == 0 {
		return nil
	}
	last := b.Insts[len(b.Insts)-1]
	if !last.IsTerminator() {
		return nil
	}
	return last
}

// FallsThrough reports whether control can reach the next block in order
func (b *Block) FallsThrough() bool {
	term := b.Terminator()
	return term == nil || term.Branch == BranchCond
}

// Function is a unit of allocation
type Function struct {
	Name     string
	Target   string
	WorkRegs []*WorkReg
	Blocks   []*Block
}

// WorkReg returns the work register with the given id
func (f *Function) WorkReg(id WorkID) *WorkReg {
	return f.WorkRegs[id]
}

// Fallthrough returns the block reached by falling off the end of b
func (f *Function) Fallthrough(b *Block) *Block {
	if !b.FallsThrough() || int(b.ID)+1 >= len(f.Blocks) {
		return nil
	}
	return f.Blocks[b.ID+1]
}

// ComputeEdges fills Preds and Succs from the terminators and block order
func (f *Function) ComputeEdges() {
	for _, b := range f.Blocks {
		b.Preds = nil
		b.Succs = nil
	}
	for _, b := range f.Blocks {
		if term := b.Terminator(); term != nil && term.Branch != BranchReturn {
			b.Succs = append(b.Succs, term.Target)
		}
		if next := f.Fallthrough(b); next != nil && !containsBlock(b.Succs, next.ID) {
			b.Succs = append(b.Succs, next.ID)
		}
		for _, s := range b.Succs {
			succ := f.Blocks[s]
			succ.Preds = append(succ.Preds, b.ID)
		}
	}
}

func containsBlock(ids []BlockID, id BlockID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Groups returns the groups referenced by work registers, in ascending order
func (f *Function) Groups() []Group {
	var seen [256]bool
	for _, w := range f.WorkRegs {
		seen[w.Group] = true
	}
	var gs []Group
	for g := range seen {
		if seen[g] {
			gs = append(gs, Group(g))
		}
	}
	return gs
}
