// Package emit provides emitters for the local register allocator: a
// Recorder that keeps the requested code as a list of actions, and a
// Printer that renders such a list as an assembly-like listing.
package emit

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/raymyers/ralph-ra/pkg/lir"
)

// Kind identifies an action
type Kind uint8

const (
	KindBlock Kind = iota
	KindMove
	KindSwap
	KindLoad
	KindSave
	KindInst
)

var kindNames = [...]string{"block", "move", "swap", "load", "save", "inst"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Action is one emission request
type Action struct {
	Kind Kind
	// Work and Phys describe the value moved, loaded or saved; for a move
	// Phys is the destination and Phys2 the source, for a swap Work2 was in
	// Phys2.
	Work  lir.WorkID
	Phys  lir.PhysID
	Work2 lir.WorkID
	Phys2 lir.PhysID
	// Inst and Regs hold an instruction and its resolved registers
	Inst *lir.Inst
	Regs []lir.PhysID
	// Block is the block started by a KindBlock action
	Block lir.BlockID
}

// Edge is out-of-line code executed when Branch jumps to Target
type Edge struct {
	Label   string
	Branch  *lir.Inst
	Target  lir.BlockID
	Actions []Action
}

// Recorder implements regalloc.Emitter by recording every request
type Recorder struct {
	actions []Action
	edges   []*Edge
	// edgeOf maps branches to their out-of-line code
	edgeOf map[*lir.Inst]*Edge
	open   *Edge
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{edgeOf: map[*lir.Inst]*Edge{}}
}

// Actions returns the inline actions in emission order
func (r *Recorder) Actions() []Action { return r.actions }

// Edges returns the non-empty out-of-line edges in emission order
func (r *Recorder) Edges() []*Edge { return r.edges }

// EdgeOf returns the out-of-line code a branch was redirected to, if any
func (r *Recorder) EdgeOf(inst *lir.Inst) *Edge { return r.edgeOf[inst] }

// Count returns the number of actions of a kind, edges included
func (r *Recorder) Count(k Kind) int {
	n := countKind(r.actions, k)
	for _, e := range r.edges {
		n += countKind(e.Actions, k)
	}
	return n
}

func countKind(actions []Action, k Kind) int {
	n := 0
	for _, a := range actions {
		if a.Kind == k {
			n++
		}
	}
	return n
}

func (r *Recorder) add(a Action) {
	if r.open != nil {
		r.open.Actions = append(r.open.Actions, a)
		return
	}
	r.actions = append(r.actions, a)
}

// BeginBlock records the start of a block
func (r *Recorder) BeginBlock(b *lir.Block) error {
	if r.open != nil {
		return errors.Errorf("block %s starts inside an edge", b.Name)
	}
	r.add(Action{Kind: KindBlock, Block: b.ID, Work: lir.WorkNone, Phys: lir.PhysNone})
	return nil
}

// EmitMove records a register to register move
func (r *Recorder) EmitMove(workID lir.WorkID, dstPhysID, srcPhysID lir.PhysID) error {
	r.add(Action{Kind: KindMove, Work: workID, Phys: dstPhysID, Work2: lir.WorkNone, Phys2: srcPhysID})
	return nil
}

// EmitSwap records an exchange of two registers
func (r *Recorder) EmitSwap(aWorkID lir.WorkID, aPhysID lir.PhysID, bWorkID lir.WorkID, bPhysID lir.PhysID) error {
	r.add(Action{Kind: KindSwap, Work: aWorkID, Phys: aPhysID, Work2: bWorkID, Phys2: bPhysID})
	return nil
}

// EmitLoad records a reload from the spill slot of workID
func (r *Recorder) EmitLoad(workID lir.WorkID, physID lir.PhysID) error {
	r.add(Action{Kind: KindLoad, Work: workID, Phys: physID, Work2: lir.WorkNone, Phys2: lir.PhysNone})
	return nil
}

// EmitSave records a store to the spill slot of workID
func (r *Recorder) EmitSave(workID lir.WorkID, physID lir.PhysID) error {
	r.add(Action{Kind: KindSave, Work: workID, Phys: physID, Work2: lir.WorkNone, Phys2: lir.PhysNone})
	return nil
}

// EmitInst records inst together with a copy of its resolved registers
func (r *Recorder) EmitInst(inst *lir.Inst) error {
	regs := make([]lir.PhysID, len(inst.Tied))
	for i, t := range inst.Tied {
		if t.PhysID == lir.PhysNone {
			return errors.Errorf("inst #%d (%s): operand %d has no register", inst.ID, inst.Op, i)
		}
		regs[i] = t.PhysID
	}
	r.add(Action{Kind: KindInst, Inst: inst, Regs: regs, Work: lir.WorkNone, Phys: lir.PhysNone})
	return nil
}

// EnterEdge opens the out-of-line code of the branch inst
func (r *Recorder) EnterEdge(inst *lir.Inst, target lir.BlockID) error {
	if r.open != nil {
		return errors.Errorf("edge of inst #%d is still open", r.open.Branch.ID)
	}
	r.open = &Edge{Branch: inst, Target: target}
	return nil
}

// LeaveEdge closes the edge; one without actions is dropped and its branch
// keeps its original target.
func (r *Recorder) LeaveEdge(target lir.BlockID) error {
	e := r.open
	if e == nil || e.Target != target {
		return errors.Errorf("no open edge to block %d", target)
	}
	r.open = nil
	if len(e.Actions) == 0 {
		return nil
	}
	e.Label = fmt.Sprintf("edge%d", len(r.edges))
	r.edges = append(r.edges, e)
	r.edgeOf[e.Branch] = e
	return nil
}
