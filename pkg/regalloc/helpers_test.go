package regalloc

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"

	"github.com/raymyers/ralph-ra/pkg/lir"
	"github.com/raymyers/ralph-ra/pkg/target"
)

// traceEmitter records emission requests as readable strings
type traceEmitter struct {
	fn     *lir.Function
	tgt    *target.Target
	trace  []string
	failOn string
}

func (e *traceEmitter) add(kind, format string, args ...any) error {
	if kind == e.failOn {
		return errEmit
	}
	e.trace = append(e.trace, kind+" "+fmt.Sprintf(format, args...))
	return nil
}

var errEmit = errors.New("encoder failure")

func (e *traceEmitter) name(w lir.WorkID) string { return e.fn.WorkReg(w).Name }

func (e *traceEmitter) reg(w lir.WorkID, p lir.PhysID) string {
	return e.tgt.RegName(e.fn.WorkReg(w).Group, p)
}

func (e *traceEmitter) EmitMove(w lir.WorkID, dst, src lir.PhysID) error {
	return e.add("move", "%s %s<-%s", e.name(w), e.reg(w, dst), e.reg(w, src))
}

func (e *traceEmitter) EmitSwap(aw lir.WorkID, ap lir.PhysID, bw lir.WorkID, bp lir.PhysID) error {
	return e.add("swap", "%s %s %s %s", e.name(aw), e.reg(aw, ap), e.name(bw), e.reg(bw, bp))
}

func (e *traceEmitter) EmitLoad(w lir.WorkID, p lir.PhysID) error {
	return e.add("load", "%s %s", e.name(w), e.reg(w, p))
}

func (e *traceEmitter) EmitSave(w lir.WorkID, p lir.PhysID) error {
	return e.add("save", "%s %s", e.name(w), e.reg(w, p))
}

func (e *traceEmitter) EmitInst(inst *lir.Inst) error {
	s := inst.Op
	for _, t := range inst.Tied {
		s += fmt.Sprintf(" %s=%s", e.name(t.Work), e.reg(t.Work, t.PhysID))
	}
	return e.add("inst", "%s", s)
}

func (e *traceEmitter) EnterEdge(inst *lir.Inst, target lir.BlockID) error {
	return e.add("edge", "%s", e.fn.Blocks[target].Name)
}

func (e *traceEmitter) LeaveEdge(target lir.BlockID) error {
	return e.add("end", "%s", e.fn.Blocks[target].Name)
}

// decode builds a function from YAML for tgt
func decode(t *testing.T, tgt *target.Target, src string) *lir.Function {
	t.Helper()
	fn, err := lir.Decode([]byte(src), tgt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return fn
}

func preset(t *testing.T, name string) *target.Target {
	t.Helper()
	tgt, ok := target.Lookup(name)
	if !ok {
		t.Fatalf("no preset %s", name)
	}
	return tgt
}

// newTestAllocator returns an allocator positioned on the first block
func newTestAllocator(t *testing.T, tgt *target.Target, src string) (*LocalAllocator, *traceEmitter) {
	t.Helper()
	fn := decode(t, tgt, src)
	em := &traceEmitter{fn: fn, tgt: tgt}
	la := NewLocalAllocator(fn, tgt, em)
	la.SetBlock(fn.Blocks[0])
	return la, em
}

// work returns the id of the named work register
func work(t *testing.T, fn *lir.Function, name string) lir.WorkID {
	t.Helper()
	for _, w := range fn.WorkRegs {
		if w.Name == name {
			return w.ID
		}
	}
	t.Fatalf("no work register %s", name)
	return lir.WorkNone
}
