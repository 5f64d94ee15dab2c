// Package protocols implements the building blocks estimation
// workflows are assembled from: system preparation, simulation
// orchestration, trajectory analysis and gradient evaluation. Every
// protocol registers itself with the default workflow registry at
// init time.
package protocols

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"unicode"

	"propcore/internal/workflow"
	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

// atomicMasses covers the organic subset SMILES component strings are
// expected to use, in g/mol.
var atomicMasses = map[string]float64{
	"H": 1.008, "B": 10.811, "C": 12.011, "N": 14.007, "O": 15.999,
	"F": 18.998, "P": 30.974, "S": 32.065, "Cl": 35.453, "Br": 79.904, "I": 126.904,
}

// MolecularWeight estimates the molecular weight of a SMILES string in
// g/mol, adding implicit hydrogens for the common organic-subset
// valences. Aromatic lowercase atoms are treated as their uppercase
// element with one hydrogen less than the aliphatic default.
func MolecularWeight(smiles string) (float64, error) {
	type atom struct {
		element  string
		bonds    int
		explicit bool
	}
	var atoms []atom
	runes := []rune(smiles)
	ringOpen := make(map[rune]int)
	prev := -1
	var stack []int
	pendingBond := 1

	addBond := func(a, b, order int) {
		atoms[a].bonds += order
		atoms[b].bonds += order
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '(':
			stack = append(stack, prev)
		case r == ')':
			if len(stack) == 0 {
				return 0, fmt.Errorf("unbalanced parenthesis in %q", smiles)
			}
			prev = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		case r == '=':
			pendingBond = 2
		case r == '#':
			pendingBond = 3
		case r == '-' || r == '/' || r == '\\' || r == '.':
			pendingBond = 1
			if r == '.' {
				prev = -1
			}
		case r == '[':
			// Bracket atoms carry explicit hydrogen counts.
			j := i + 1
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j == len(runes) {
				return 0, fmt.Errorf("unterminated bracket atom in %q", smiles)
			}
			element, hydrogens, err := parseBracketAtom(string(runes[i+1 : j]))
			if err != nil {
				return 0, fmt.Errorf("parse %q: %w", smiles, err)
			}
			atoms = append(atoms, atom{element: element, bonds: hydrogens, explicit: true})
			if prev >= 0 {
				addBond(prev, len(atoms)-1, pendingBond)
			}
			prev = len(atoms) - 1
			pendingBond = 1
			i = j
		case unicode.IsDigit(r) || r == '%':
			label := r
			if r == '%' {
				if i+2 >= len(runes) {
					return 0, fmt.Errorf("invalid ring label in %q", smiles)
				}
				label = rune(1000 + int(runes[i+1]-'0')*10 + int(runes[i+2]-'0'))
				i += 2
			}
			if open, ok := ringOpen[label]; ok {
				addBond(open, prev, pendingBond)
				delete(ringOpen, label)
			} else {
				ringOpen[label] = prev
			}
			pendingBond = 1
		case unicode.IsLetter(r):
			element := string(unicode.ToUpper(r))
			if i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(r) {
				two := element + string(runes[i+1])
				if _, ok := atomicMasses[two]; ok {
					element = two
					i++
				}
			}
			if _, ok := atomicMasses[element]; !ok {
				return 0, fmt.Errorf("unsupported element %q in %q", element, smiles)
			}
			aromatic := unicode.IsLower(r)
			extra := 0
			if aromatic {
				// Aromatic atoms carry one and a half bonds per ring
				// neighbour; account for the delocalised bond here.
				extra = 1
			}
			atoms = append(atoms, atom{element: element, bonds: extra})
			if prev >= 0 {
				addBond(prev, len(atoms)-1, pendingBond)
			}
			prev = len(atoms) - 1
			pendingBond = 1
		default:
			return 0, fmt.Errorf("unsupported SMILES token %q in %q", string(r), smiles)
		}
	}
	if len(ringOpen) != 0 {
		return 0, fmt.Errorf("unclosed ring bond in %q", smiles)
	}

	valences := map[string]int{
		"H": 1, "B": 3, "C": 4, "N": 3, "O": 2, "F": 1,
		"P": 3, "S": 2, "Cl": 1, "Br": 1, "I": 1,
	}
	total := 0.0
	for _, a := range atoms {
		total += atomicMasses[a.element]
		if a.explicit {
			total += float64(a.bonds) * atomicMasses["H"]
			continue
		}
		if implicit := valences[a.element] - a.bonds; implicit > 0 {
			total += float64(implicit) * atomicMasses["H"]
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("empty SMILES string")
	}
	return total, nil
}

func parseBracketAtom(body string) (string, int, error) {
	runes := []rune(body)
	i := 0
	for i < len(runes) && unicode.IsDigit(runes[i]) {
		i++
	}
	if i == len(runes) {
		return "", 0, fmt.Errorf("bracket atom %q has no element", body)
	}
	element := string(unicode.ToUpper(runes[i]))
	i++
	if i < len(runes) && unicode.IsLower(runes[i]) {
		two := element + string(runes[i])
		if _, ok := atomicMasses[two]; ok {
			element = two
			i++
		}
	}
	if _, ok := atomicMasses[element]; !ok {
		return "", 0, fmt.Errorf("unsupported element %q", element)
	}
	hydrogens := 0
	for i < len(runes) {
		if runes[i] == 'H' {
			hydrogens = 1
			if i+1 < len(runes) && unicode.IsDigit(runes[i+1]) {
				hydrogens = int(runes[i+1] - '0')
				i++
			}
		}
		i++
	}
	return element, hydrogens, nil
}

// HeavyElements lists the distinct non-hydrogen elements a SMILES
// string mentions, in first-appearance order.
func HeavyElements(smiles string) ([]string, error) {
	runes := []rune(smiles)
	seen := make(map[string]bool)
	var out []string
	add := func(element string) error {
		if _, ok := atomicMasses[element]; !ok {
			return fmt.Errorf("unsupported element %q in %q", element, smiles)
		}
		if element != "H" && !seen[element] {
			seen[element] = true
			out = append(out, element)
		}
		return nil
	}
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '[':
			j := i + 1
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j == len(runes) {
				return nil, fmt.Errorf("unterminated bracket atom in %q", smiles)
			}
			element, _, err := parseBracketAtom(string(runes[i+1 : j]))
			if err != nil {
				return nil, fmt.Errorf("parse %q: %w", smiles, err)
			}
			if err := add(element); err != nil {
				return nil, err
			}
			i = j
		case unicode.IsLetter(r):
			element := string(unicode.ToUpper(r))
			if i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(r) {
				two := element + string(runes[i+1])
				if _, ok := atomicMasses[two]; ok {
					element = two
					i++
				}
			}
			if err := add(element); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// SystemSpec is the prepared-system description handed from
// coordinate building to parameter assignment and on to the engine.
type SystemSpec struct {
	Substance      *domain.Substance `json:"substance"`
	MoleculeCounts map[string]int    `json:"molecule_counts"`
	TotalMolecules int               `json:"total_molecules"`
	BoxLengthNm    float64           `json:"box_length_nm"`
	MassDensity    unit.Quantity     `json:"mass_density"`
}

// BuildCoordinates sizes a simulation box for a substance: it turns
// mole fractions into integer molecule counts and derives the cubic
// box edge from a target mass density.
type BuildCoordinates struct {
	Substance    *domain.Substance
	MaxMolecules int
	MassDensity  unit.Quantity
}

func init() {
	workflow.MustRegister(workflow.DefaultRegistry, "BuildCoordinates",
		func() workflow.Protocol { return &BuildCoordinates{MaxMolecules: 1000} })
}

func (p *BuildCoordinates) Type() string { return "BuildCoordinates" }

func (p *BuildCoordinates) Inputs() []workflow.InputDecl {
	return []workflow.InputDecl{
		{Name: "substance", Behavior: workflow.MergeExact},
		{Name: "max_molecules", Behavior: workflow.MergeLargest, Optional: true},
		{Name: "mass_density", Behavior: workflow.MergeExact, Optional: true},
	}
}

func (p *BuildCoordinates) SetInput(name string, value any) error {
	switch name {
	case "substance":
		s, ok := value.(*domain.Substance)
		if !ok {
			return fmt.Errorf("substance must be a *domain.Substance, got %T", value)
		}
		p.Substance = s
	case "max_molecules":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("max_molecules: %w", err)
		}
		p.MaxMolecules = n
	case "mass_density":
		q, ok := value.(unit.Quantity)
		if !ok {
			return fmt.Errorf("mass_density must be a unit.Quantity, got %T", value)
		}
		p.MassDensity = q
	default:
		return fmt.Errorf("unknown input %q", name)
	}
	return nil
}

func (p *BuildCoordinates) Execute(ctx context.Context, dir string) (map[string]any, error) {
	if p.Substance == nil {
		return nil, fmt.Errorf("build coordinates: substance not set")
	}
	if err := p.Substance.Validate(); err != nil {
		return nil, fmt.Errorf("build coordinates: %w", err)
	}
	if p.MaxMolecules <= 0 {
		return nil, fmt.Errorf("build coordinates: max_molecules must be positive")
	}
	density := p.MassDensity
	if density.Unit == (unit.Unit{}) {
		density = unit.Quantity{Value: 950, Unit: unit.KilogramPerCubicM}
	}
	if !density.Unit.CompatibleWith(unit.KilogramPerCubicM) {
		return nil, fmt.Errorf("build coordinates: mass_density has unit %s", density.Unit)
	}

	counts, err := p.Substance.MoleculeCounts(p.MaxMolecules)
	if err != nil {
		return nil, fmt.Errorf("build coordinates: %w", err)
	}

	totalMassKg := 0.0
	total := 0
	for _, component := range p.Substance.Components() {
		weight, err := MolecularWeight(component.SMILES)
		if err != nil {
			return nil, fmt.Errorf("build coordinates: %w", err)
		}
		count := counts[component.Identifier()]
		totalMassKg += float64(count) * weight * 1e-3 / unit.AvogadroConstant.Value
		total += count
	}
	volumeM3 := totalMassKg / density.SI()
	boxLengthNm := math.Cbrt(volumeM3) * 1e9

	spec := SystemSpec{
		Substance:      p.Substance,
		MoleculeCounts: counts,
		TotalMolecules: total,
		BoxLengthNm:    boxLengthNm,
		MassDensity:    density,
	}
	path := filepath.Join(dir, "system.json")
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write system spec: %w", err)
	}
	return map[string]any{
		"coordinate_file": path,
		"substance":       p.Substance,
	}, nil
}

// ReadSystemSpec loads a prepared-system description from disk.
func ReadSystemSpec(path string) (SystemSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SystemSpec{}, err
	}
	var spec SystemSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return SystemSpec{}, fmt.Errorf("parse system spec %s: %w", path, err)
	}
	return spec, nil
}

func asInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected an integer, got %v", v)
		}
		return int(v), nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", value)
}
