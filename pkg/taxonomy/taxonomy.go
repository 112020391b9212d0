// Package taxonomy holds the static JMA hazard table: which tier a code
// belongs to, its display names, and the cross-tier equivalence links.
package taxonomy

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/emerry-tsun/JMA/pkg/model"
	"gopkg.in/yaml.v3"
)

//go:embed hazards.yaml
var defaultData []byte

// Range is an inclusive numeric code range.
type Range struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (r Range) contains(c model.Code) bool {
	return int(c) >= r.Min && int(c) <= r.Max
}

// Hazard is one named code.
type Hazard struct {
	Code model.Code `yaml:"-"`
	Raw  string     `yaml:"code"`
	JA   string     `yaml:"ja"`
	EN   string     `yaml:"en"`
}

// Equivalence ties the codes of one phenomenon across tiers.
type Equivalence struct {
	Phenomenon string `yaml:"phenomenon"`
	Advisory   string `yaml:"advisory"`
	Warning    string `yaml:"warning"`
	Emergency  string `yaml:"emergency"`
}

type file struct {
	Tiers struct {
		Advisory  Range `yaml:"advisory"`
		Warning   Range `yaml:"warning"`
		Emergency Range `yaml:"emergency"`
	} `yaml:"tiers"`
	Hazards     []Hazard      `yaml:"hazards"`
	Equivalents []Equivalence `yaml:"equivalents"`
}

type tierCode struct {
	tier model.Tier
	code model.Code
}

// Taxonomy is immutable once built and safe for concurrent use.
type Taxonomy struct {
	ranges  map[model.Tier]Range
	hazards map[model.Code]Hazard
	links   map[tierCode]map[model.Tier]model.Code
}

var (
	defaultOnce sync.Once
	defaultTax  *Taxonomy
)

// Default returns the built-in JMA taxonomy.
func Default() *Taxonomy {
	defaultOnce.Do(func() {
		t, err := Parse(defaultData)
		if err != nil {
			panic(fmt.Sprintf("taxonomy: embedded hazard table: %v", err))
		}
		defaultTax = t
	})
	return defaultTax
}

// Load reads a hazard table from a YAML file.
func Load(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hazard file %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("hazard file %s: %w", path, err)
	}
	return t, nil
}

// Parse builds a taxonomy from YAML and validates it.
func Parse(data []byte) (*Taxonomy, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hazard data: %w", err)
	}

	t := &Taxonomy{
		ranges: map[model.Tier]Range{
			model.TierAdvisory:  f.Tiers.Advisory,
			model.TierWarning:   f.Tiers.Warning,
			model.TierEmergency: f.Tiers.Emergency,
		},
		hazards: make(map[model.Code]Hazard, len(f.Hazards)),
		links:   make(map[tierCode]map[model.Tier]model.Code),
	}

	for _, tier := range model.Tiers {
		r := t.ranges[tier]
		if r.Min > r.Max || r.Min < 0 || r.Max > 99 {
			return nil, fmt.Errorf("tier %s: invalid range %d-%d", tier, r.Min, r.Max)
		}
		for _, other := range model.Tiers {
			o := t.ranges[other]
			if other != tier && r.Min <= o.Max && o.Min <= r.Max {
				return nil, fmt.Errorf("tier %s overlaps tier %s", tier, other)
			}
		}
	}

	for _, h := range f.Hazards {
		code, err := model.ParseCode(h.Raw)
		if err != nil {
			return nil, err
		}
		if _, ok := t.TierOf(code); !ok {
			return nil, fmt.Errorf("hazard %s outside every tier", code)
		}
		if h.JA == "" || h.EN == "" {
			return nil, fmt.Errorf("hazard %s: missing name", code)
		}
		if _, dup := t.hazards[code]; dup {
			return nil, fmt.Errorf("hazard %s defined twice", code)
		}
		h.Code = code
		t.hazards[code] = h
	}

	for _, eq := range f.Equivalents {
		row := make(map[model.Tier]model.Code)
		for tier, raw := range map[model.Tier]string{
			model.TierAdvisory:  eq.Advisory,
			model.TierWarning:   eq.Warning,
			model.TierEmergency: eq.Emergency,
		} {
			if raw == "" {
				continue
			}
			code, err := model.ParseCode(raw)
			if err != nil {
				return nil, fmt.Errorf("equivalent %q: %w", eq.Phenomenon, err)
			}
			if got, ok := t.TierOf(code); !ok || got != tier {
				return nil, fmt.Errorf("equivalent %q: code %s is not a %s code", eq.Phenomenon, code, tier)
			}
			if _, dup := t.links[tierCode{tier, code}]; dup {
				return nil, fmt.Errorf("equivalent %q: code %s already linked", eq.Phenomenon, code)
			}
			row[tier] = code
		}
		for tier, code := range row {
			t.links[tierCode{tier, code}] = row
		}
	}

	return t, nil
}

// TierOf returns the tier whose range contains c.
func (t *Taxonomy) TierOf(c model.Code) (model.Tier, bool) {
	for _, tier := range model.Tiers {
		if t.ranges[tier].contains(c) {
			return tier, true
		}
	}
	return 0, false
}

// Codes returns every code in a tier's range, named or not, in ascending order.
func (t *Taxonomy) Codes(tier model.Tier) []model.Code {
	r, ok := t.ranges[tier]
	if !ok {
		return nil
	}
	codes := make([]model.Code, 0, r.Max-r.Min+1)
	for n := r.Min; n <= r.Max; n++ {
		codes = append(codes, model.Code(n))
	}
	return codes
}

// Name returns the display name of a code. Unnamed codes render as their
// two-digit form.
func (t *Taxonomy) Name(c model.Code, lang model.Lang) string {
	h, ok := t.hazards[c]
	if !ok {
		return c.String()
	}
	if lang == model.LangEN {
		return h.EN
	}
	return h.JA
}

// Hazards returns the named codes in ascending order.
func (t *Taxonomy) Hazards() []Hazard {
	out := make([]Hazard, 0, len(t.hazards))
	for _, h := range t.hazards {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b Hazard) int { return int(a.Code) - int(b.Code) })
	return out
}

// Equivalent returns the code for the same phenomenon in tier to.
func (t *Taxonomy) Equivalent(c model.Code, to model.Tier) (model.Code, bool) {
	from, ok := t.TierOf(c)
	if !ok || from == to {
		return 0, false
	}
	row, ok := t.links[tierCode{from, c}]
	if !ok {
		return 0, false
	}
	eq, ok := row[to]
	return eq, ok
}

func (t *Taxonomy) shifted(c model.Code, delta int) (model.Code, model.Tier, bool) {
	from, ok := t.TierOf(c)
	if !ok {
		return 0, 0, false
	}
	to := from + model.Tier(delta)
	if !to.Valid() {
		return 0, 0, false
	}
	eq, ok := t.Equivalent(c, to)
	return eq, to, ok
}

// Up returns the equivalent one tier more severe.
func (t *Taxonomy) Up(c model.Code) (model.Code, bool) {
	eq, _, ok := t.shifted(c, 1)
	return eq, ok
}

// Up2 returns the equivalent two tiers more severe.
func (t *Taxonomy) Up2(c model.Code) (model.Code, bool) {
	eq, _, ok := t.shifted(c, 2)
	return eq, ok
}

// Down returns the equivalent one tier less severe.
func (t *Taxonomy) Down(c model.Code) (model.Code, bool) {
	eq, _, ok := t.shifted(c, -1)
	return eq, ok
}

// Down2 returns the equivalent two tiers less severe.
func (t *Taxonomy) Down2(c model.Code) (model.Code, bool) {
	eq, _, ok := t.shifted(c, -2)
	return eq, ok
}

// Neighbor is an adjacent tier's equivalent of a code.
type Neighbor struct {
	Tier model.Tier
	Code model.Code
}

// Neighbors lists the equivalents of c in search order: up, up2, down, down2.
func (t *Taxonomy) Neighbors(c model.Code) []Neighbor {
	var out []Neighbor
	for _, delta := range []int{1, 2, -1, -2} {
		if eq, tier, ok := t.shifted(c, delta); ok {
			out = append(out, Neighbor{Tier: tier, Code: eq})
		}
	}
	return out
}
