package lir

import (
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrSyntax is returned for malformed function descriptions
var ErrSyntax = errors.New("lir: syntax error")

// sourceFunction mirrors the YAML function description
type sourceFunction struct {
	Name   string        `yaml:"name"`
	Target string        `yaml:"target,omitempty"`
	Works  []sourceWork  `yaml:"works"`
	Blocks []sourceBlock `yaml:"blocks"`
}

type sourceWork struct {
	Name  string   `yaml:"name"`
	Group string   `yaml:"group"`
	Freq  *float64 `yaml:"freq,omitempty"`
	Hint  string   `yaml:"hint,omitempty"`
}

type sourceBlock struct {
	Name   string       `yaml:"name"`
	LiveIn []string     `yaml:"live_in"`
	Insts  []sourceInst `yaml:"insts"`
}

type sourceInst struct {
	Op       string              `yaml:"op"`
	Regs     []string            `yaml:"regs,omitempty"`
	Clobbers map[string][]string `yaml:"clobbers,omitempty"`
	Branch   string              `yaml:"branch,omitempty"`
	Target   string              `yaml:"target,omitempty"`
}

// PeekTarget returns the target named by a function description, if any
func PeekTarget(data []byte) (string, error) {
	var hdr struct {
		Target string `yaml:"target"`
	}
	if err := yaml.Unmarshal(data, &hdr); err != nil {
		return "", errors.Wrap(ErrSyntax, err.Error())
	}
	return hdr.Target, nil
}

// Decode parses a YAML function description. Blocks without a live_in key
// get a nil LiveIn and work registers without freq get a negative Freq;
// both are filled in by the liveness pass.
func Decode(data []byte, names Namer) (*Function, error) {
	var src sourceFunction
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, errors.Wrap(ErrSyntax, err.Error())
	}
	d := &decoder{names: names, works: map[string]WorkID{}, blocks: map[string]BlockID{}}
	return d.function(&src)
}

type decoder struct {
	names  Namer
	fn     *Function
	works  map[string]WorkID
	blocks map[string]BlockID
}

func (d *decoder) function(src *sourceFunction) (*Function, error) {
	d.fn = &Function{Name: src.Name, Target: src.Target}
	if len(src.Blocks) == 0 {
		return nil, errors.Wrapf(ErrSyntax, "function %q has no blocks", src.Name)
	}
	for _, sw := range src.Works {
		if err := d.work(sw); err != nil {
			return nil, err
		}
	}
	for i, sb := range src.Blocks {
		if _, dup := d.blocks[sb.Name]; dup {
			return nil, errors.Wrapf(ErrSyntax, "duplicate block %q", sb.Name)
		}
		d.blocks[sb.Name] = BlockID(i)
	}
	nextInst := 0
	for i, sb := range src.Blocks {
		b := &Block{ID: BlockID(i), Name: sb.Name}
		if sb.LiveIn != nil {
			b.LiveIn = bitset.New(uint(len(d.fn.WorkRegs)))
			for _, name := range sb.LiveIn {
				id, ok := d.works[name]
				if !ok {
					return nil, errors.Wrapf(ErrSyntax, "block %s: unknown work register %q", sb.Name, name)
				}
				b.LiveIn.Set(uint(id))
			}
		}
		for _, si := range sb.Insts {
			inst, err := d.inst(si, nextInst)
			if err != nil {
				return nil, errors.WithMessagef(err, "block %s", sb.Name)
			}
			nextInst++
			b.Insts = append(b.Insts, inst)
		}
		for n, inst := range b.Insts {
			if inst.IsTerminator() && n != len(b.Insts)-1 {
				return nil, errors.Wrapf(ErrSyntax, "block %s: branch %q must end the block", sb.Name, inst.Op)
			}
		}
		d.fn.Blocks = append(d.fn.Blocks, b)
	}
	d.fn.ComputeEdges()
	return d.fn, nil
}

func (d *decoder) work(sw sourceWork) error {
	if _, dup := d.works[sw.Name]; dup || sw.Name == "" {
		return errors.Wrapf(ErrSyntax, "bad or duplicate work register name %q", sw.Name)
	}
	g, ok := d.names.GroupByName(sw.Group)
	if !ok {
		return errors.Wrapf(ErrSyntax, "work %s: unknown register group %q", sw.Name, sw.Group)
	}
	w := &WorkReg{ID: WorkID(len(d.fn.WorkRegs)), Name: sw.Name, Group: g, Freq: -1, Hint: PhysNone}
	if sw.Freq != nil {
		w.Freq = *sw.Freq
	}
	if sw.Hint != "" {
		id, err := d.reg(g, sw.Hint)
		if err != nil {
			return errors.WithMessagef(err, "work %s", sw.Name)
		}
		w.Hint = id
	}
	d.works[sw.Name] = w.ID
	d.fn.WorkRegs = append(d.fn.WorkRegs, w)
	return nil
}

// reg accepts a register name or a numeric physical id
func (d *decoder) reg(g Group, s string) (PhysID, error) {
	if id, ok := d.names.RegByName(g, s); ok {
		return id, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= MaxPhysRegs {
		return PhysNone, errors.Wrapf(ErrSyntax, "unknown register %q in group %s", s, d.names.GroupName(g))
	}
	return PhysID(n), nil
}

func (d *decoder) inst(si sourceInst, id int) (*Inst, error) {
	inst := &Inst{ID: id, Op: si.Op, Target: BlockNone}
	if si.Op == "" {
		return nil, errors.Wrap(ErrSyntax, "instruction without op")
	}
	for _, operand := range si.Regs {
		t, err := d.tied(operand)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s", si.Op)
		}
		inst.Tied = append(inst.Tied, t)
	}
	if len(si.Clobbers) > 0 {
		inst.Clobbers = map[Group]RegMask{}
		for gname, regs := range si.Clobbers {
			g, ok := d.names.GroupByName(gname)
			if !ok {
				return nil, errors.Wrapf(ErrSyntax, "%s: unknown clobber group %q", si.Op, gname)
			}
			for _, r := range regs {
				id, err := d.reg(g, r)
				if err != nil {
					return nil, err
				}
				inst.Clobbers[g] |= Bit(id)
			}
		}
	}
	switch si.Branch {
	case "":
	case "jump":
		inst.Branch = BranchJump
	case "cond":
		inst.Branch = BranchCond
	case "ret":
		inst.Branch = BranchReturn
	default:
		return nil, errors.Wrapf(ErrSyntax, "%s: unknown branch kind %q", si.Op, si.Branch)
	}
	if inst.Branch == BranchJump || inst.Branch == BranchCond {
		target, ok := d.blocks[si.Target]
		if !ok {
			return nil, errors.Wrapf(ErrSyntax, "%s: unknown target block %q", si.Op, si.Target)
		}
		inst.Target = target
	}
	return inst, nil
}

// tied parses "name:flag,flag@reg" or "name@reg". Without flags the operand
// is a use.
func (d *decoder) tied(s string) (TiedReg, error) {
	name, rest, ok := strings.Cut(s, ":")
	if !ok {
		if n, reg, fixed := strings.Cut(s, "@"); fixed {
			name, rest = n, "@"+reg
		}
	}
	id, known := d.works[name]
	if !known {
		return TiedReg{}, errors.Wrapf(ErrSyntax, "unknown work register %q", name)
	}
	w := d.fn.WorkRegs[id]
	t := TiedReg{Work: id, Group: w.Group, FixedID: PhysNone, PhysID: PhysNone}
	flags, fixed, hasFixed := strings.Cut(rest, "@")
	if flags == "" {
		t.Flags = FlagUse
	}
	for _, f := range strings.Split(flags, ",") {
		if f == "" {
			continue
		}
		flag, ok := parseFlag(f)
		if !ok {
			return TiedReg{}, errors.Wrapf(ErrSyntax, "operand %q: unknown flag %q", s, f)
		}
		t.Flags |= flag
	}
	if hasFixed {
		reg, err := d.reg(w.Group, fixed)
		if err != nil {
			return TiedReg{}, err
		}
		t.Flags |= FlagFixed
		t.FixedID = reg
	}
	if t.IsFixed() && t.FixedID == PhysNone {
		return TiedReg{}, errors.Wrapf(ErrSyntax, "operand %q: fixed without @reg", s)
	}
	if t.Flags&(FlagUse|FlagOut) == 0 {
		t.Flags |= FlagUse
	}
	return t, nil
}

func parseFlag(s string) (TiedFlags, bool) {
	for _, fn := range flagNames {
		if fn.name == s {
			return fn.flag, true
		}
	}
	return 0, false
}
