package regalloc

import (
	"testing"

	"github.com/raymyers/ralph-ra/pkg/lir"
)

const hinted = `
name: hints
target: tiny4
works:
  - {name: a, group: gp, freq: 1}
  - {name: b, group: gp, freq: 1, hint: r3}
  - {name: c, group: gp, freq: 1}
blocks:
  - name: entry
    live_in: []
    insts: []
`

func TestDecideOnAssignment(t *testing.T) {
	la, _ := newTestAllocator(t, preset(t, "tiny4"), hinted)
	a, b, c := work(t, la.fn, "a"), work(t, la.fn, "b"), work(t, la.fn, "c")
	all := lir.FullMask(4)

	la.cur.Assign(0, a, 2, false)
	tests := []struct {
		name     string
		work     lir.WorkID
		assigned lir.PhysID
		mask     lir.RegMask
		want     lir.PhysID
	}{
		{"keeps current register", a, 2, all, 2},
		{"current outside mask", a, 2, lir.MaskOf(0, 1), 0},
		{"hint when free", b, lir.PhysNone, all, 3},
		{"hint outside mask", b, lir.PhysNone, lir.MaskOf(0, 1), 0},
		{"lowest free", c, lir.PhysNone, lir.MaskOf(1, 2, 3), 1},
		{"nothing free", c, lir.PhysNone, lir.MaskOf(2), lir.PhysNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := la.decideOnAssignment(0, tt.work, tt.assigned, tt.mask); got != tt.want {
				t.Errorf("decideOnAssignment = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDecideOnUnassignment(t *testing.T) {
	la, _ := newTestAllocator(t, preset(t, "tiny4"), hinted)
	a, b := work(t, la.fn, "a"), work(t, la.fn, "b")
	la.cur.Assign(0, a, 0, false)
	la.cur.Assign(0, b, 1, false)

	if got := la.decideOnUnassignment(0, a, 0, lir.FullMask(4)); got != 2 {
		t.Errorf("a moves to %d, want 2", got)
	}
	if got := la.decideOnUnassignment(0, b, 1, lir.FullMask(4)); got != 3 {
		t.Errorf("b moves to %d, want its hint 3", got)
	}
	if got := la.decideOnUnassignment(0, a, 0, lir.MaskOf(0, 1)); got != lir.PhysNone {
		t.Errorf("a moves to %d, want a spill", got)
	}
}
