package lir

import (
	"fmt"
	"io"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// Namer resolves group and register names of a target
type Namer interface {
	GroupName(g Group) string
	RegName(g Group, id PhysID) string
	GroupByName(name string) (Group, bool)
	RegByName(g Group, name string) (PhysID, bool)
}

// Printer outputs LIR in a human-readable format
type Printer struct {
	w     io.Writer
	names Namer
}

// NewPrinter creates a new LIR printer
func NewPrinter(w io.Writer, names Namer) *Printer {
	return &Printer{w: w, names: names}
}

// PrintFunction prints a function with its work registers and blocks
func (p *Printer) PrintFunction(fn *Function) {
	fmt.Fprintf(p.w, "function %s", fn.Name)
	if fn.Target != "" {
		fmt.Fprintf(p.w, " (target %s)", fn.Target)
	}
	fmt.Fprintln(p.w)
	for _, w := range fn.WorkRegs {
		fmt.Fprintf(p.w, "  work %%%d %s %s freq=%.3f", w.ID, w.Name, p.names.GroupName(w.Group), w.Freq)
		if w.Hint != PhysNone {
			fmt.Fprintf(p.w, " hint=%s", p.names.RegName(w.Group, w.Hint))
		}
		fmt.Fprintln(p.w)
	}
	for _, b := range fn.Blocks {
		p.printBlock(fn, b)
	}
}

func (p *Printer) printBlock(fn *Function, b *Block) {
	fmt.Fprintf(p.w, "%s:", b.Name)
	if b.LiveIn != nil && b.LiveIn.Count() > 0 {
		fmt.Fprintf(p.w, "\t; live-in: %s", WorkSetString(fn, b.LiveIn))
	}
	fmt.Fprintln(p.w)
	for _, inst := range b.Insts {
		fmt.Fprintf(p.w, "\t%s\n", p.FormatInst(fn, inst))
	}
}

// WorkSetString lists the names of the work registers in a set
func WorkSetString(fn *Function, set *bitset.BitSet) string {
	var names []string
	for i, ok := set.NextSet(0); ok; i, ok = set.NextSet(i + 1) {
		if int(i) < len(fn.WorkRegs) {
			names = append(names, fn.WorkRegs[i].Name)
		}
	}
	return strings.Join(names, " ")
}

// FormatInst renders an instruction with its operands. Resolved operands
// are shown as work=reg.
func (p *Printer) FormatInst(fn *Function, inst *Inst) string {
	var sb strings.Builder
	sb.WriteString(inst.Op)
	for i := range inst.Tied {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(p.FormatTied(fn, &inst.Tied[i]))
	}
	if inst.Branch == BranchJump || inst.Branch == BranchCond {
		if inst.Target >= 0 && int(inst.Target) < len(fn.Blocks) {
			fmt.Fprintf(&sb, " -> %s", fn.Blocks[inst.Target].Name)
		}
	}
	return sb.String()
}

// FormatTied renders one operand in source syntax, name:flags[@reg]
func (p *Printer) FormatTied(fn *Function, t *TiedReg) string {
	var sb strings.Builder
	sb.WriteString(fn.WorkRegs[t.Work].Name)
	sb.WriteString(":")
	sb.WriteString(FormatFlags(t.Flags &^ FlagFixed))
	if t.IsFixed() {
		sb.WriteString("@")
		sb.WriteString(p.names.RegName(t.Group, t.FixedID))
	}
	if t.PhysID != PhysNone {
		sb.WriteString("=")
		sb.WriteString(p.names.RegName(t.Group, t.PhysID))
	}
	return sb.String()
}

// FormatFlags renders flags as a comma separated list
func FormatFlags(f TiedFlags) string {
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, ",")
}
