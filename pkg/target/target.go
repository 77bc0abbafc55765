// Package target describes the register files of a backend: how many
// registers each group has, which of them the allocator may hand out, and
// whether the encoder can exchange two registers natively.
package target

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/raymyers/ralph-ra/pkg/lir"
)

// ErrInvalid is returned for inconsistent target descriptions
var ErrInvalid = errors.New("target: invalid description")

// GroupInfo describes one register group
type GroupInfo struct {
	Name string   `yaml:"name"`
	Regs []string `yaml:"regs"`
	// Allocable lists the registers handed out by the allocator; empty means all
	Allocable []string `yaml:"allocable,omitempty"`
	// Reserved registers are never allocated (stack pointer, frame pointer...)
	Reserved []string `yaml:"reserved,omitempty"`
	Swap     bool     `yaml:"swap"`
}

// Target is a validated register file description
type Target struct {
	Name   string      `yaml:"name"`
	Groups []GroupInfo `yaml:"groups"`

	allocable []lir.RegMask
	reserved  []lir.RegMask
	regIndex  []map[string]lir.PhysID
}

// New validates groups and builds a target
func New(name string, groups ...GroupInfo) (*Target, error) {
	t := &Target{Name: name, Groups: groups}
	if err := t.init(); err != nil {
		return nil, err
	}
	return t, nil
}

// MustNew is New for static descriptions
func MustNew(name string, groups ...GroupInfo) *Target {
	t, err := New(name, groups...)
	if err != nil {
		panic(err)
	}
	return t
}

// Parse decodes a YAML target description
func Parse(data []byte) (*Target, error) {
	var t Target
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}
	if err := t.init(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Load reads a YAML target description from a file
func Load(path string) (*Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading target %s", path)
	}
	return Parse(data)
}

// Resolve returns a preset by name, or loads the file at that path
func Resolve(nameOrPath string) (*Target, error) {
	if t, ok := Lookup(nameOrPath); ok {
		return t, nil
	}
	if _, err := os.Stat(nameOrPath); err == nil {
		return Load(nameOrPath)
	}
	return nil, errors.Wrapf(ErrInvalid, "unknown target %q (presets: %v)", nameOrPath, PresetNames())
}

func (t *Target) init() error {
	if len(t.Groups) == 0 {
		return errors.Wrapf(ErrInvalid, "%s: no register groups", t.Name)
	}
	if len(t.Groups) > 255 {
		return errors.Wrapf(ErrInvalid, "%s: too many register groups", t.Name)
	}
	t.allocable = make([]lir.RegMask, len(t.Groups))
	t.reserved = make([]lir.RegMask, len(t.Groups))
	t.regIndex = make([]map[string]lir.PhysID, len(t.Groups))
	seen := map[string]bool{}
	for g, info := range t.Groups {
		if info.Name == "" || seen[info.Name] {
			return errors.Wrapf(ErrInvalid, "%s: bad or duplicate group name %q", t.Name, info.Name)
		}
		seen[info.Name] = true
		if len(info.Regs) == 0 || len(info.Regs) > lir.MaxPhysRegs {
			return errors.Wrapf(ErrInvalid, "%s: group %s must have 1..%d registers", t.Name, info.Name, lir.MaxPhysRegs)
		}
		index := make(map[string]lir.PhysID, len(info.Regs))
		for id, r := range info.Regs {
			if _, dup := index[r]; dup {
				return errors.Wrapf(ErrInvalid, "%s: duplicate register %s in group %s", t.Name, r, info.Name)
			}
			index[r] = lir.PhysID(id)
		}
		t.regIndex[g] = index
		all := lir.FullMask(len(info.Regs))
		allocable := all
		if len(info.Allocable) > 0 {
			m, err := t.mask(g, info.Allocable)
			if err != nil {
				return err
			}
			allocable = m
		}
		reserved, err := t.mask(g, info.Reserved)
		if err != nil {
			return err
		}
		t.reserved[g] = reserved
		t.allocable[g] = allocable &^ reserved
	}
	return nil
}

func (t *Target) mask(g int, regs []string) (lir.RegMask, error) {
	var m lir.RegMask
	for _, r := range regs {
		id, ok := t.regIndex[g][r]
		if !ok {
			return 0, errors.Wrapf(ErrInvalid, "%s: unknown register %s in group %s", t.Name, r, t.Groups[g].Name)
		}
		m |= lir.Bit(id)
	}
	return m, nil
}

// NumGroups returns the number of register groups
func (t *Target) NumGroups() int { return len(t.Groups) }

// Count returns the number of physical registers in a group
func (t *Target) Count(g lir.Group) int { return len(t.Groups[g].Regs) }

// Allocable returns the registers the allocator may assign
func (t *Target) Allocable(g lir.Group) lir.RegMask { return t.allocable[g] }

// Reserved returns the permanently reserved registers
func (t *Target) Reserved(g lir.Group) lir.RegMask { return t.reserved[g] }

// HasSwap reports whether the encoder supports a native register exchange
func (t *Target) HasSwap(g lir.Group) bool { return t.Groups[g].Swap }

// WithoutSwap returns a copy with swap support disabled for every group
func (t *Target) WithoutSwap() *Target {
	c := *t
	c.Groups = append([]GroupInfo(nil), t.Groups...)
	for i := range c.Groups {
		c.Groups[i].Swap = false
	}
	return &c
}

// GroupName implements lir.Namer
func (t *Target) GroupName(g lir.Group) string {
	if int(g) >= len(t.Groups) {
		return "?"
	}
	return t.Groups[g].Name
}

// RegName implements lir.Namer
func (t *Target) RegName(g lir.Group, id lir.PhysID) string {
	if int(g) >= len(t.Groups) || int(id) >= len(t.Groups[g].Regs) {
		return "?"
	}
	return t.Groups[g].Regs[id]
}

// GroupByName implements lir.Namer
func (t *Target) GroupByName(name string) (lir.Group, bool) {
	for g, info := range t.Groups {
		if info.Name == name {
			return lir.Group(g), true
		}
	}
	return 0, false
}

// RegByName implements lir.Namer
func (t *Target) RegByName(g lir.Group, name string) (lir.PhysID, bool) {
	if int(g) >= len(t.regIndex) {
		return lir.PhysNone, false
	}
	id, ok := t.regIndex[g][name]
	return id, ok
}

var presets = map[string]*Target{}

func register(t *Target) {
	presets[t.Name] = t
}

// Lookup returns a built-in target
func Lookup(name string) (*Target, bool) {
	t, ok := presets[name]
	return t, ok
}

// PresetNames lists the built-in targets in sorted order
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
