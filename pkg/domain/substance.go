// Package domain defines the core value records shared by the dataset,
// workflow and storage layers: substances, thermodynamic states, physical
// properties and their provenance.
package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ComponentRole describes the function a component plays within a
// substance, mirroring the roles used during coordinate building and
// free-energy setups.
type ComponentRole string

// Canonical component roles.
const (
	RoleSolvent  ComponentRole = "solvent"
	RoleSolute   ComponentRole = "solute"
	RoleLigand   ComponentRole = "ligand"
	RoleReceptor ComponentRole = "receptor"
)

// Component identifies a chemical species by SMILES pattern plus the
// role it plays in the substance.
type Component struct {
	SMILES string        `json:"smiles"`
	Role   ComponentRole `json:"role"`
}

// Identifier returns the key components are indexed by within a
// substance. Solvent is the default role and is omitted for brevity.
func (c Component) Identifier() string {
	if c.Role == "" || c.Role == RoleSolvent {
		return c.SMILES
	}
	return fmt.Sprintf("%s{%s}", c.SMILES, c.Role)
}

// Validate rejects empty SMILES patterns and unknown roles.
func (c Component) Validate() error {
	if strings.TrimSpace(c.SMILES) == "" {
		return fmt.Errorf("component smiles must not be empty")
	}
	switch c.Role {
	case "", RoleSolvent, RoleSolute, RoleLigand, RoleReceptor:
		return nil
	default:
		return fmt.Errorf("unknown component role %q", c.Role)
	}
}

// AmountType discriminates the polymorphic amount encodings on the wire.
type AmountType string

// Supported amount encodings.
const (
	AmountMoleFraction AmountType = "MoleFraction"
	AmountExact        AmountType = "ExactAmount"
)

// Amount describes how much of a component a substance contains. The
// two concrete kinds are a mole fraction or an exact molecule count.
type Amount struct {
	Type  AmountType `json:"@type"`
	Value float64    `json:"value"`
}

// MoleFraction builds a mole-fraction amount.
func MoleFraction(fraction float64) Amount {
	return Amount{Type: AmountMoleFraction, Value: fraction}
}

// ExactAmount builds an exact molecule-count amount.
func ExactAmount(count int) Amount {
	return Amount{Type: AmountExact, Value: float64(count)}
}

// Validate checks the value against the amount kind.
func (a Amount) Validate() error {
	switch a.Type {
	case AmountMoleFraction:
		if a.Value < 0 || a.Value > 1 {
			return fmt.Errorf("mole fraction %g outside [0, 1]", a.Value)
		}
	case AmountExact:
		if a.Value < 0 || a.Value != math.Trunc(a.Value) {
			return fmt.Errorf("exact amount %g must be a non-negative integer", a.Value)
		}
	default:
		return fmt.Errorf("unknown amount type %q", a.Type)
	}
	return nil
}

// Substance describes the chemical composition of a system: a set of
// components with the amounts of each. Amounts are keyed by the
// component identifier and must stay aligned with the component list.
type Substance struct {
	components []Component
	amounts    map[string][]Amount
}

// NewSubstance builds an empty substance.
func NewSubstance() *Substance {
	return &Substance{amounts: make(map[string][]Amount)}
}

// Pure builds a single-component substance with unit mole fraction.
func Pure(smiles string) *Substance {
	s := NewSubstance()
	s.AddComponent(Component{SMILES: smiles, Role: RoleSolvent}, MoleFraction(1.0))
	return s
}

// Binary builds a two-component substance from mole fractions.
func Binary(smilesA string, fractionA float64, smilesB string, fractionB float64) *Substance {
	s := NewSubstance()
	s.AddComponent(Component{SMILES: smilesA, Role: RoleSolvent}, MoleFraction(fractionA))
	s.AddComponent(Component{SMILES: smilesB, Role: RoleSolvent}, MoleFraction(fractionB))
	return s
}

// AddComponent registers a component together with its amounts. Adding
// the same component twice appends further amounts.
func (s *Substance) AddComponent(component Component, amounts ...Amount) {
	id := component.Identifier()
	if _, ok := s.amounts[id]; !ok {
		s.components = append(s.components, component)
	}
	if s.amounts == nil {
		s.amounts = make(map[string][]Amount)
	}
	s.amounts[id] = append(s.amounts[id], amounts...)
}

// Components returns the component list in insertion order.
func (s *Substance) Components() []Component {
	out := make([]Component, len(s.components))
	copy(out, s.components)
	return out
}

// Amounts returns the amounts recorded for a component identifier.
func (s *Substance) Amounts(identifier string) []Amount {
	out := make([]Amount, len(s.amounts[identifier]))
	copy(out, s.amounts[identifier])
	return out
}

// NumberOfComponents returns the number of distinct components.
func (s *Substance) NumberOfComponents() int { return len(s.components) }

// Identifier returns a canonical string representation; components are
// sorted so that logically equal substances share one identifier. Used
// as part of storage keys.
func (s *Substance) Identifier() string {
	parts := make([]string, 0, len(s.components))
	for _, c := range s.components {
		id := c.Identifier()
		amounts := s.amounts[id]
		encoded := make([]string, 0, len(amounts))
		for _, a := range amounts {
			switch a.Type {
			case AmountMoleFraction:
				encoded = append(encoded, fmt.Sprintf("x=%.6f", a.Value))
			case AmountExact:
				encoded = append(encoded, fmt.Sprintf("n=%d", int(a.Value)))
			}
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", id, strings.Join(encoded, ",")))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// Validate enforces the substance invariants: every component carries
// at least one valid amount, and mole fractions sum to one.
func (s *Substance) Validate() error {
	if len(s.components) == 0 {
		return fmt.Errorf("substance has no components")
	}
	fractionTotal := 0.0
	sawFraction := false
	for _, c := range s.components {
		if err := c.Validate(); err != nil {
			return err
		}
		amounts := s.amounts[c.Identifier()]
		if len(amounts) == 0 {
			return fmt.Errorf("component %s has no amounts", c.Identifier())
		}
		for _, a := range amounts {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("component %s: %w", c.Identifier(), err)
			}
			if a.Type == AmountMoleFraction {
				sawFraction = true
				fractionTotal += a.Value
			}
		}
	}
	if sawFraction && math.Abs(fractionTotal-1.0) > 1e-6 {
		return fmt.Errorf("mole fractions sum to %g, want 1", fractionTotal)
	}
	return nil
}

// MoleculeCounts converts the substance composition into per-component
// molecule counts for a system of at most maxMolecules molecules. Exact
// amounts are honoured verbatim; mole fractions share the remaining
// budget proportionally.
func (s *Substance) MoleculeCounts(maxMolecules int) (map[string]int, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(s.components))
	budget := maxMolecules
	for _, c := range s.components {
		for _, a := range s.amounts[c.Identifier()] {
			if a.Type == AmountExact {
				counts[c.Identifier()] += int(a.Value)
				budget -= int(a.Value)
			}
		}
	}
	if budget < 0 {
		return nil, fmt.Errorf("exact amounts exceed the %d molecule budget", maxMolecules)
	}
	for _, c := range s.components {
		for _, a := range s.amounts[c.Identifier()] {
			if a.Type == AmountMoleFraction {
				counts[c.Identifier()] += int(math.Round(a.Value * float64(budget)))
			}
		}
	}
	for id, n := range counts {
		if n <= 0 {
			return nil, fmt.Errorf("component %s rounds to zero molecules; increase the budget", id)
		}
	}
	return counts, nil
}

type substanceJSON struct {
	Components []Component         `json:"components"`
	Amounts    map[string][]Amount `json:"amounts"`
}

// MarshalJSON encodes the substance component and amount tables.
func (s Substance) MarshalJSON() ([]byte, error) {
	return json.Marshal(substanceJSON{Components: s.components, Amounts: s.amounts})
}

// UnmarshalJSON hydrates the substance from its wire form.
func (s *Substance) UnmarshalJSON(data []byte) error {
	var aux substanceJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.components = aux.Components
	s.amounts = aux.Amounts
	if s.amounts == nil {
		s.amounts = make(map[string][]Amount)
	}
	return nil
}
