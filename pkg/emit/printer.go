package emit

import (
	"fmt"
	"io"
	"strings"

	"github.com/raymyers/ralph-ra/pkg/lir"
)

// Printer outputs allocated code as an assembly-like listing
type Printer struct {
	w     io.Writer
	fn    *lir.Function
	names lir.Namer
}

// NewPrinter creates a listing printer for fn
func NewPrinter(w io.Writer, fn *lir.Function, names lir.Namer) *Printer {
	return &Printer{w: w, fn: fn, names: names}
}

// Print outputs the recorded code; out-of-line edges follow the function body
func (p *Printer) Print(r *Recorder) {
	fmt.Fprintf(p.w, "%s:\n", p.fn.Name)
	for _, a := range r.Actions() {
		p.printAction(r, a)
	}
	for _, e := range r.Edges() {
		fmt.Fprintf(p.w, ".%s:\t\t\t; %s -> %s\n", e.Label, p.blockName(p.branchSource(e.Branch)),
			p.blockName(e.Target))
		for _, a := range e.Actions {
			p.printAction(r, a)
		}
		fmt.Fprintf(p.w, "\tjmp\t.%s\n", p.blockName(e.Target))
	}
}

func (p *Printer) printAction(r *Recorder, a Action) {
	switch a.Kind {
	case KindBlock:
		fmt.Fprintf(p.w, ".%s:\n", p.blockName(a.Block))
	case KindMove:
		fmt.Fprintf(p.w, "\tmov\t%s, %s\t; %s\n", p.reg(a.Work, a.Phys), p.reg(a.Work, a.Phys2), p.work(a.Work))
	case KindSwap:
		fmt.Fprintf(p.w, "\txchg\t%s, %s\t; %s, %s\n", p.reg(a.Work, a.Phys), p.reg(a.Work2, a.Phys2),
			p.work(a.Work), p.work(a.Work2))
	case KindLoad:
		fmt.Fprintf(p.w, "\tload\t%s, [%s]\n", p.reg(a.Work, a.Phys), p.work(a.Work))
	case KindSave:
		fmt.Fprintf(p.w, "\tsave\t[%s], %s\n", p.work(a.Work), p.reg(a.Work, a.Phys))
	case KindInst:
		p.printInst(r, a)
	}
}

func (p *Printer) printInst(r *Recorder, a Action) {
	inst := a.Inst
	ops := make([]string, 0, len(inst.Tied)+1)
	for i, t := range inst.Tied {
		ops = append(ops, fmt.Sprintf("%s=%s", p.work(t.Work), p.names.RegName(t.Group, a.Regs[i])))
	}
	if inst.Branch == lir.BranchJump || inst.Branch == lir.BranchCond {
		target := "." + p.blockName(inst.Target)
		if e := r.EdgeOf(inst); e != nil {
			target = "." + e.Label
		}
		ops = append(ops, target)
	}
	if len(ops) == 0 {
		fmt.Fprintf(p.w, "\t%s\n", inst.Op)
		return
	}
	fmt.Fprintf(p.w, "\t%s\t%s\n", inst.Op, strings.Join(ops, ", "))
}

func (p *Printer) reg(w lir.WorkID, id lir.PhysID) string {
	return p.names.RegName(p.fn.WorkReg(w).Group, id)
}

func (p *Printer) work(w lir.WorkID) string {
	return p.fn.WorkReg(w).Name
}

func (p *Printer) blockName(id lir.BlockID) string {
	if id < 0 || int(id) >= len(p.fn.Blocks) {
		return fmt.Sprintf("bb%d", id)
	}
	return p.fn.Blocks[id].Name
}

func (p *Printer) branchSource(inst *lir.Inst) lir.BlockID {
	for _, b := range p.fn.Blocks {
		for _, i := range b.Insts {
			if i == inst {
				return b.ID
			}
		}
	}
	return lir.BlockNone
}
