package regalloc

import (
	"strings"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/raymyers/ralph-ra/pkg/lir"
	"github.com/raymyers/ralph-ra/pkg/target"
)

// state builds an assignment shaped like la's from "name@phys[*]" entries
func state(t *testing.T, la *LocalAllocator, entries ...string) *Assignment {
	t.Helper()
	s := la.cur.Clone()
	s.Reset()
	for _, e := range entries {
		dirty := strings.HasSuffix(e, "*")
		name, phys, _ := strings.Cut(strings.TrimSuffix(e, "*"), "@")
		w := la.fn.WorkReg(work(t, la.fn, name))
		s.Assign(w.Group, w.ID, lir.PhysID(phys[0]-'0'), dirty)
	}
	return s
}

func liveSet(t *testing.T, la *LocalAllocator, names ...string) *bitset.BitSet {
	t.Helper()
	set := bitset.New(uint(len(la.fn.WorkRegs)))
	for _, n := range names {
		set.Set(uint(work(t, la.fn, n)))
	}
	return set
}

func TestSwitchToAssignment(t *testing.T) {
	tests := []struct {
		name     string
		target   *target.Target
		cur      []string
		dst      []string
		live     []string
		readOnly bool
		tryMode  bool
		trace    []string
		state    string
	}{
		{
			name:   "identical states emit nothing",
			target: preset(t, "tiny4"),
			cur:    []string{"a@0*", "b@1"},
			dst:    []string{"a@0*", "b@1"},
			live:   []string{"a", "b"},
			trace:  nil,
			state:  "g0[0=%0* 1=%1] g1[]",
		},
		{
			name:     "identical read-only states emit nothing",
			target:   preset(t, "tiny4"),
			cur:      []string{"a@0*", "b@1"},
			dst:      []string{"a@0*", "b@1"},
			live:     []string{"a", "b"},
			readOnly: true,
			trace:    nil,
			state:    "g0[0=%0* 1=%1] g1[]",
		},
		{
			name:   "exchange with one swap",
			target: preset(t, "tiny4"),
			cur:    []string{"a@0", "b@1"},
			dst:    []string{"a@1", "b@0"},
			live:   []string{"a", "b"},
			trace:  []string{"swap a r0 b r1"},
			state:  "g0[0=%1 1=%0] g1[]",
		},
		{
			name:   "exchange through a spare register",
			target: preset(t, "tiny4").WithoutSwap(),
			cur:    []string{"a@0", "b@1"},
			dst:    []string{"a@1", "b@0"},
			live:   []string{"a", "b"},
			trace:  []string{"move a r2<-r0", "move b r0<-r1", "move a r1<-r2"},
			state:  "g0[0=%1 1=%0] g1[]",
		},
		{
			name:   "exchange without spare spills",
			target: preset(t, "tiny").WithoutSwap(),
			cur:    []string{"a@0*", "b@1"},
			dst:    []string{"a@1", "b@0"},
			live:   []string{"a", "b"},
			trace:  []string{"save a r0", "move b r0<-r1", "load a r1"},
			state:  "g0[0=%1 1=%0] g1[]",
		},
		{
			name:   "dead values are dropped and live ones loaded",
			target: preset(t, "tiny4"),
			cur:    []string{"a@0*"},
			dst:    []string{"b@0"},
			live:   []string{"b"},
			trace:  []string{"load b r0"},
			state:  "g0[0=%1] g1[]",
		},
		{
			name:   "live values absent from the target state are spilled",
			target: preset(t, "tiny4"),
			cur:    []string{"a@0*", "b@1"},
			dst:    []string{"b@1"},
			live:   []string{"a", "b"},
			trace:  []string{"save a r0"},
			state:  "g0[1=%1] g1[]",
		},
		{
			name:     "read-only clean target forces a save",
			target:   preset(t, "tiny4"),
			cur:      []string{"a@0*"},
			dst:      []string{"a@0"},
			live:     []string{"a"},
			readOnly: true,
			trace:    []string{"save a r0"},
			state:    "g0[0=%0] g1[]",
		},
		{
			name:   "writable clean target becomes dirty",
			target: preset(t, "tiny4"),
			cur:    []string{"a@0*"},
			dst:    []string{"a@0"},
			live:   []string{"a"},
			trace:  nil,
			state:  "g0[0=%0*] g1[]",
		},
		{
			name:   "dirty target marks the current register dirty",
			target: preset(t, "tiny4"),
			cur:    []string{"a@0"},
			dst:    []string{"a@0*"},
			live:   []string{"a"},
			trace:  nil,
			state:  "g0[0=%0*] g1[]",
		},
		{
			name:    "try mode swaps but does not load",
			target:  preset(t, "tiny4"),
			cur:     []string{"a@0*", "b@1"},
			dst:     []string{"b@0", "c@1"},
			live:    []string{"b", "c"},
			tryMode: true,
			trace:   []string{"swap a r0 b r1"},
			state:   "g0[0=%1 1=%0*] g1[]",
		},
		{
			name:    "try mode moves through a spare register",
			target:  preset(t, "tiny4").WithoutSwap(),
			cur:     []string{"a@0*", "b@1"},
			dst:     []string{"b@0", "c@1"},
			live:    []string{"b", "c"},
			tryMode: true,
			trace:   []string{"move a r2<-r0", "move b r0<-r1"},
			state:   "g0[0=%1 2=%0*] g1[]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			la, em := newTestAllocator(t, tt.target, instSource("tiny4", abc, `{op: nop}`))
			la.cur.CopyFrom(state(t, la, tt.cur...))
			dst := state(t, la, tt.dst...)
			if err := la.SwitchToAssignment(dst, liveSet(t, la, tt.live...), tt.readOnly, tt.tryMode); err != nil {
				t.Fatalf("SwitchToAssignment: %v", err)
			}
			if diff := cmp.Diff(tt.trace, em.trace); diff != "" {
				t.Errorf("trace mismatch (-want +got):\n%s", diff)
			}
			if got := la.cur.String(); got != tt.state {
				t.Errorf("state = %s, want %s", got, tt.state)
			}
			if err := la.cur.Verify(); err != nil {
				t.Error(err)
			}
		})
	}
}

// randomState draws a consistent assignment of works a..f over four registers
func randomState(rt *rapid.T, la *LocalAllocator, label string) *Assignment {
	s := la.cur.Clone()
	s.Reset()
	for w := range la.fn.WorkRegs {
		p := lir.PhysID(rapid.IntRange(0, 5).Draw(rt, label+"-home"))
		if p < 4 && !s.IsPhysAssigned(0, p) {
			s.Assign(0, lir.WorkID(w), p, rapid.Bool().Draw(rt, label+"-dirty"))
		}
	}
	return s
}

func TestSwitchToAssignmentReachesAnyState(t *testing.T) {
	var works []string
	for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
		works = append(works, "{name: "+n+", group: gp, freq: 1}")
	}
	src := instSource("tiny4", works, `{op: nop}`)

	rapid.Check(t, func(rt *rapid.T) {
		tgt := preset(t, "tiny4")
		if rapid.Bool().Draw(rt, "noswap") {
			tgt = tgt.WithoutSwap()
		}
		la, _ := newTestAllocator(t, tgt, src)
		la.cur.CopyFrom(randomState(rt, la, "cur"))
		dst := randomState(rt, la, "dst")
		live := bitset.New(uint(len(la.fn.WorkRegs)))
		for w := range la.fn.WorkRegs {
			if rapid.Bool().Draw(rt, "live") {
				live.Set(uint(w))
			}
		}
		readOnly := rapid.Bool().Draw(rt, "readonly")

		if rapid.Bool().Draw(rt, "try") {
			before := la.cur.Assigned(0).Count()
			if err := la.SwitchToAssignment(dst, live, readOnly, true); err != nil {
				rt.Fatalf("try mode: %v", err)
			}
			if err := la.cur.Verify(); err != nil {
				rt.Fatal(err)
			}
			if after := la.cur.Assigned(0).Count(); after != before {
				rt.Fatalf("try mode changed the number of assigned registers: %d -> %d", before, after)
			}
			return
		}
		if err := la.SwitchToAssignment(dst, live, readOnly, false); err != nil {
			rt.Fatalf("exact mode: %v", err)
		}
		if err := la.cur.Verify(); err != nil {
			rt.Fatal(err)
		}
		if !la.cur.EqualsOn(dst, live) {
			rt.Fatalf("got %s, want %s on %s", la.cur, dst, live)
		}
	})
}
