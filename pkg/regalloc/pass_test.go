package regalloc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/raymyers/ralph-ra/pkg/emit"
	"github.com/raymyers/ralph-ra/pkg/lir"
	"github.com/raymyers/ralph-ra/pkg/liveness"
	"github.com/raymyers/ralph-ra/pkg/target"
)

// allocate runs the whole pass over src and returns the printed listing
func allocate(t *testing.T, tgt *target.Target, src string) (string, *emit.Recorder, *Result) {
	t.Helper()
	fn := decode(t, tgt, src)
	return allocateFunction(t, tgt, fn)
}

func allocateFunction(t *testing.T, tgt *target.Target, fn *lir.Function) (string, *emit.Recorder, *Result) {
	t.Helper()
	rec := emit.NewRecorder()
	res, err := New(tgt, rec).Run(fn)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var buf bytes.Buffer
	emit.NewPrinter(&buf, fn, tgt).Print(rec)
	return buf.String(), rec, res
}

const countLoop = `
name: count
target: tiny4
works:
  - {name: n, group: gp, freq: 4, hint: r0}
  - {name: s, group: gp, freq: 4}
blocks:
  - name: entry
    live_in: [n]
    insts:
      - {op: zero, regs: ["s:out"]}
  - name: loop
    live_in: [n, s]
    insts:
      - {op: add, regs: ["s:use,out", n]}
      - {op: dec, regs: ["n:use,out"]}
      - {op: jnz, regs: [n], branch: cond, target: loop}
  - name: exit
    live_in: [s]
    insts:
      - {op: ret, regs: ["s@r0"], branch: ret}
`

const countListing = `count:
.entry:
	zero	s=r1
.loop:
	add	s=r1, n=r0
	dec	n=r0
	jnz	n=r0, .loop
.exit:
	mov	r0, r1	; s
	ret	s=r0
`

func TestRunLoopNeedsNoSpillCode(t *testing.T) {
	listing, rec, res := allocate(t, preset(t, "tiny4"), countLoop)
	if diff := cmp.Diff(countListing, listing); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}
	if n := rec.Count(emit.KindLoad) + rec.Count(emit.KindSave); n != 0 {
		t.Errorf("%d loads and saves, want none", n)
	}
	if len(rec.Edges()) != 0 {
		t.Errorf("back edge got out-of-line code: %+v", rec.Edges()[0].Actions)
	}
	if got, want := res.Entries[1].String(), "g0[0=%0* 1=%1*] g1[]"; got != want {
		t.Errorf("loop entry = %s, want %s", got, want)
	}
	if got, want := res.Exits[1].String(), res.Entries[1].String(); got != want {
		t.Errorf("loop exit = %s, want the entry state %s", got, want)
	}
}

func TestRunComputedLivenessMatchesExplicit(t *testing.T) {
	src := `
name: count
target: tiny4
works:
  - {name: n, group: gp, freq: 4, hint: r0}
  - {name: s, group: gp, freq: 4}
blocks:
  - name: entry
    insts:
      - {op: zero, regs: ["s:out"]}
  - name: loop
    insts:
      - {op: add, regs: ["s:use,out", n]}
      - {op: dec, regs: ["n:use,out"]}
      - {op: jnz, regs: [n], branch: cond, target: loop}
  - name: exit
    insts:
      - {op: ret, regs: ["s@r0"], branch: ret}
`
	tgt := preset(t, "tiny4")
	fn := decode(t, tgt, src)
	liveness.Annotate(fn, liveness.Options{Kills: true})
	listing, _, _ := allocateFunction(t, tgt, fn)
	if diff := cmp.Diff(countListing, listing); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}
}

const callLoop = `
name: calls
target: tiny4
works:
  - {name: n, group: gp, freq: 4, hint: r0}
  - {name: x, group: gp, freq: 4, hint: r1}
blocks:
  - name: entry
    live_in: [n, x]
    insts: []
  - name: loop
    live_in: [n, x]
    insts:
      - {op: add, regs: ["x:use,out", n]}
      - {op: call, clobbers: {gp: [r0, r1, r2, r3]}}
      - {op: jnz, branch: cond, target: loop}
  - name: exit
    live_in: [x]
    insts:
      - {op: ret, regs: ["x@r0"], branch: ret}
`

func TestRunReloadsOnTheBackEdgeOnly(t *testing.T) {
	listing, rec, res := allocate(t, preset(t, "tiny4"), callLoop)
	want := `calls:
.entry:
.loop:
	add	x=r1, n=r0
	save	[n], r0
	save	[x], r1
	call
	jnz	.edge0
.exit:
	load	r0, [x]
	ret	x=r0
.edge0:			; loop -> loop
	load	r0, [n]
	load	r1, [x]
	jmp	.loop
`
	if diff := cmp.Diff(want, listing); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}
	if len(rec.Edges()) != 1 {
		t.Fatalf("got %d edges, want 1", len(rec.Edges()))
	}
	e := rec.Edges()[0]
	if e.Target != 1 || len(e.Actions) != 2 {
		t.Errorf("edge to %d with %d actions, want 2 loads into loop", e.Target, len(e.Actions))
	}
	if got := res.Exits[1].String(); got != "g0[] g1[]" {
		t.Errorf("loop exit = %s, want nothing in registers", got)
	}
}

const diamond = `
name: diamond
target: tiny4
works:
  - {name: a, group: gp, freq: 1, hint: r0}
  - {name: b, group: gp, freq: 1, hint: r1}
blocks:
  - name: entry
    live_in: [a, b]
    insts:
      - {op: test, regs: [a], branch: cond, target: other}
  - name: then
    live_in: [a, b]
    insts:
      - {op: jmp, branch: jump, target: join}
  - name: other
    live_in: [a, b]
    insts:
      - {op: op, regs: ["a@r1", "b@r0"]}
  - name: join
    live_in: [a, b]
    insts:
      - {op: ret, regs: ["a@r0", "b@r1"], branch: ret}
`

func TestRunReconcilesDiamond(t *testing.T) {
	listing, rec, res := allocate(t, preset(t, "tiny4"), diamond)
	want := `diamond:
.entry:
	test	a=r0, .other
.then:
	jmp	.join
.other:
	xchg	r1, r0	; b, a
	op	a=r1, b=r0
	xchg	r0, r1	; b, a
.join:
	ret	a=r0, b=r1
`
	if diff := cmp.Diff(want, listing); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}
	if rec.Count(emit.KindSwap) != 2 || rec.Count(emit.KindMove) != 0 {
		t.Errorf("%d swaps and %d moves, want 2 swaps", rec.Count(emit.KindSwap), rec.Count(emit.KindMove))
	}
	// Both predecessors of join hand over the state join was entered with.
	if !res.Exits[1].EqualsOn(res.Entries[3], nil) || !res.Exits[2].EqualsOn(res.Entries[3], nil) {
		t.Errorf("exits %s and %s differ from join entry %s", res.Exits[1], res.Exits[2], res.Entries[3])
	}
}

func TestRunReconcilesDiamondWithoutSwap(t *testing.T) {
	_, rec, _ := allocate(t, preset(t, "tiny4").WithoutSwap(), diamond)
	if rec.Count(emit.KindSwap) != 0 {
		t.Errorf("%d swaps on a target without swap", rec.Count(emit.KindSwap))
	}
	if got := rec.Count(emit.KindMove); got != 6 {
		t.Errorf("%d moves, want 6", got)
	}
	if n := rec.Count(emit.KindLoad) + rec.Count(emit.KindSave); n != 0 {
		t.Errorf("%d loads and saves, want none", n)
	}
}

func TestRunJumpOperands(t *testing.T) {
	tests := []struct {
		name   string
		target string
		src    string
		want   string
	}{
		{
			name:   "operand dead on the edge stays in its register",
			target: "tiny4",
			src: `
name: f
works:
  - {name: y, group: gp, freq: 1, hint: r0}
  - {name: x, group: gp, freq: 1}
blocks:
  - name: entry
    live_in: [y]
    insts: []
  - name: loop
    live_in: [y]
    insts:
      - {op: def, regs: ["x:out", y]}
      - {op: jmpx, regs: ["x:use,kill"], branch: jump, target: loop}
`,
			want: `f:
.entry:
.loop:
	def	x=r1, y=r0
	jmpx	x=r1, .loop
`,
		},
		{
			name:   "operand kept in memory by the target is saved",
			target: "tiny",
			src: `
name: f
works:
  - {name: p, group: gp, freq: 1}
blocks:
  - name: entry
    live_in: [p]
    insts: []
  - name: loop
    live_in: [p]
    insts:
      - {op: inc, regs: ["p:use,out"]}
      - {op: jmpx, regs: [p], branch: jump, target: loop}
`,
			want: `f:
.entry:
.loop:
	load	r0, [p]
	inc	p=r0
	save	[p], r0
	jmpx	p=r0, .loop
`,
		},
		{
			name:   "conditional branch operand dead on the edge",
			target: "tiny4",
			src: `
name: f
works:
  - {name: y, group: gp, freq: 1, hint: r0}
  - {name: x, group: gp, freq: 1}
blocks:
  - name: entry
    live_in: [y]
    insts: []
  - name: loop
    live_in: [y]
    insts:
      - {op: def, regs: ["x:out", y]}
      - {op: jnz, regs: ["x:use,kill"], branch: cond, target: loop}
  - name: exit
    live_in: [y]
    insts:
      - {op: ret, regs: ["y@r0"], branch: ret}
`,
			want: `f:
.entry:
.loop:
	def	x=r1, y=r0
	jnz	x=r1, .loop
.exit:
	ret	y=r0
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listing, _, res := allocate(t, preset(t, tt.target), tt.src)
			if diff := cmp.Diff(tt.want, listing); diff != "" {
				t.Errorf("listing mismatch (-want +got):\n%s", diff)
			}
			if !res.Exits[1].EqualsOn(res.Entries[1], nil) {
				t.Errorf("loop exit %s differs from its entry %s", res.Exits[1], res.Entries[1])
			}
		})
	}
}

func TestRunJumpOperandWithoutRegisterLeft(t *testing.T) {
	src := `
name: f
works:
  - {name: a, group: gp, freq: 1, hint: r0}
  - {name: b, group: gp, freq: 1, hint: r1}
  - {name: x, group: gp, freq: 1}
blocks:
  - name: entry
    live_in: [a, b, x]
    insts: []
  - name: loop
    live_in: [a, b, x]
    insts:
      - {op: use, regs: [a, b]}
      - {op: jmpx, regs: [x], branch: jump, target: loop}
`
	fn := decode(t, preset(t, "tiny"), src)
	_, err := New(preset(t, "tiny"), emit.NewRecorder()).Run(fn)
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("Run error = %v, want ErrConstraint", err)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	for _, src := range []string{countLoop, callLoop, diamond} {
		first, _, _ := allocate(t, preset(t, "tiny4"), src)
		second, _, _ := allocate(t, preset(t, "tiny4"), src)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("two runs differ (-first +second):\n%s", diff)
		}
	}
}

func TestRunRejectsBadConfiguration(t *testing.T) {
	noLiveIn := `
name: f
works:
  - {name: a, group: gp}
blocks:
  - name: entry
    insts:
      - {op: def, regs: ["a:out"]}
`
	wideClobber := `
name: f
works:
  - {name: a, group: gp}
  - {name: b, group: gp}
blocks:
  - name: entry
    live_in: [b]
    insts:
      - {op: call, regs: ["a:out", b], clobbers: {gp: ["10"]}}
`
	empty := target.MustNew("empty", target.GroupInfo{Name: "gp", Regs: []string{"r0"}, Reserved: []string{"r0"}})
	tests := []struct {
		name string
		tgt  *target.Target
		src  string
	}{
		{"missing live-in", preset(t, "tiny4"), noLiveIn},
		{"nothing allocable", empty, countLoop},
		{"clobber outside group", preset(t, "tiny4"), wideClobber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := decode(t, tt.tgt, tt.src)
			_, err := New(tt.tgt, emit.NewRecorder()).Run(fn)
			if !errors.Is(err, ErrConfig) {
				t.Errorf("Run error = %v, want ErrConfig", err)
			}
		})
	}
}

func TestRunReportsBlockOfFailure(t *testing.T) {
	src := instSource("tiny", abc, `{op: add3, regs: [a, b, c]}`)
	fn := decode(t, preset(t, "tiny"), src)
	_, err := New(preset(t, "tiny"), emit.NewRecorder()).Run(fn)
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("Run error = %v, want ErrConstraint", err)
	}
	if want := "f: block entry"; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not name %q", err, want)
	}
}
