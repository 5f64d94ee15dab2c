package domain

import (
	"encoding/json"
	"fmt"

	"propcore/pkg/unit"
)

// PropertyType identifies the kind of physical property a record holds.
// The wire format uses the type name as the record's @type discriminator.
type PropertyType string

// Supported property types.
const (
	PropertyDensity                PropertyType = "Density"
	PropertyDielectricConstant     PropertyType = "DielectricConstant"
	PropertyEnthalpyOfVaporization PropertyType = "EnthalpyOfVaporization"
	PropertyEnthalpyOfMixing       PropertyType = "EnthalpyOfMixing"
	PropertyExcessMolarVolume      PropertyType = "ExcessMolarVolume"
)

// propertyDimensions maps each property type to the dimension its value
// and uncertainty must carry.
var propertyDimensions = map[PropertyType]unit.Dimension{
	PropertyDensity:                unit.KilogramPerCubicM.Dim(),
	PropertyDielectricConstant:     {},
	PropertyEnthalpyOfVaporization: unit.KilojoulePerMole.Dim(),
	PropertyEnthalpyOfMixing:       unit.KilojoulePerMole.Dim(),
	PropertyExcessMolarVolume:      unit.MustParse("m^3/mol").Dim(),
}

// KnownPropertyType reports whether the type is registered.
func KnownPropertyType(t PropertyType) bool {
	_, ok := propertyDimensions[t]
	return ok
}

// ExpectedDimension returns the dimension records of the given property
// type must carry.
func ExpectedDimension(t PropertyType) (unit.Dimension, bool) {
	d, ok := propertyDimensions[t]
	return d, ok
}

// PropertyPhase is a bit set describing the phases a property was
// measured in.
type PropertyPhase uint8

// Phase flags; mixed phases combine with bitwise or.
const (
	PhaseUndefined PropertyPhase = 0
	PhaseSolid     PropertyPhase = 1 << iota
	PhaseLiquid
	PhaseGas
)

// String renders the flag set in a stable order.
func (p PropertyPhase) String() string {
	if p == PhaseUndefined {
		return "undefined"
	}
	out := ""
	if p&PhaseSolid != 0 {
		out += "solid"
	}
	if p&PhaseLiquid != 0 {
		if out != "" {
			out += "+"
		}
		out += "liquid"
	}
	if p&PhaseGas != 0 {
		if out != "" {
			out += "+"
		}
		out += "gas"
	}
	return out
}

var phaseNames = map[string]PropertyPhase{
	"undefined": PhaseUndefined,
	"solid":     PhaseSolid,
	"liquid":    PhaseLiquid,
	"gas":       PhaseGas,
}

// ParsePhase converts a "liquid+gas" style string into a phase set.
func ParsePhase(s string) (PropertyPhase, error) {
	if s == "" {
		return PhaseUndefined, nil
	}
	var phase PropertyPhase
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '+' {
			name := s[start:i]
			flag, ok := phaseNames[name]
			if !ok {
				return PhaseUndefined, fmt.Errorf("unknown phase %q", name)
			}
			phase |= flag
			start = i + 1
		}
	}
	return phase, nil
}

// MarshalJSON encodes the phase as its string form.
func (p PropertyPhase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes either the string form or a legacy integer.
func (p *PropertyPhase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := ParsePhase(s)
		if perr != nil {
			return perr
		}
		*p = parsed
		return nil
	}
	var n uint8
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = PropertyPhase(n)
	return nil
}

// ParameterGradientKey addresses a single force-field parameter: the
// handler tag, the SMIRKS pattern and the attribute being perturbed.
type ParameterGradientKey struct {
	Tag       string `json:"tag"`
	SMIRKS    string `json:"smirks"`
	Attribute string `json:"attribute"`
}

func (k ParameterGradientKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Tag, k.SMIRKS, k.Attribute)
}

// ParameterGradient is the derivative of an estimated observable with
// respect to a force-field parameter.
type ParameterGradient struct {
	Key   ParameterGradientKey `json:"key"`
	Value unit.Quantity        `json:"value"`
}

// PhysicalProperty is a typed measurement or estimate of a physical
// property, tied to a substance and thermodynamic state. Records are
// immutable once constructed.
type PhysicalProperty struct {
	ID          string              `json:"id"`
	Type        PropertyType        `json:"-"`
	Phase       PropertyPhase       `json:"phase"`
	State       ThermodynamicState  `json:"thermodynamic_state"`
	Substance   *Substance          `json:"substance"`
	Value       unit.Quantity       `json:"value"`
	Uncertainty unit.Quantity       `json:"uncertainty"`
	Source      Source              `json:"-"`
	Gradients   []ParameterGradient `json:"gradients,omitempty"`
}

// Validate enforces the record invariants: known type, dimensionally
// consistent value/uncertainty, valid state and substance.
func (p PhysicalProperty) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("property id must not be empty")
	}
	expected, ok := propertyDimensions[p.Type]
	if !ok {
		return fmt.Errorf("unknown property type %q", p.Type)
	}
	if p.Value.Unit.Dim() != expected {
		return fmt.Errorf("%s value has dimension %+v, want %+v", p.Type, p.Value.Unit.Dim(), expected)
	}
	if p.Uncertainty.Unit.Dim() != expected {
		return fmt.Errorf("%s uncertainty has dimension %+v, want %+v", p.Type, p.Uncertainty.Unit.Dim(), expected)
	}
	if err := p.State.Validate(); err != nil {
		return fmt.Errorf("property %s: %w", p.ID, err)
	}
	if p.Substance == nil {
		return fmt.Errorf("property %s has no substance", p.ID)
	}
	if err := p.Substance.Validate(); err != nil {
		return fmt.Errorf("property %s: %w", p.ID, err)
	}
	return nil
}

type physicalPropertyAlias PhysicalProperty

// MarshalJSON writes the tagged wire form: the property type becomes
// the @type discriminator and the source is wrapped with its own tag.
func (p PhysicalProperty) MarshalJSON() ([]byte, error) {
	type payload struct {
		Type string `json:"@type"`
		physicalPropertyAlias
		Source *taggedSource `json:"source,omitempty"`
	}
	out := payload{Type: string(p.Type), physicalPropertyAlias: physicalPropertyAlias(p)}
	if p.Source != nil {
		out.Source = &taggedSource{Type: p.Source.SourceType(), Source: p.Source}
	}
	return json.Marshal(out)
}

// UnmarshalJSON resolves the @type discriminator back into the property
// type and hydrates the polymorphic source.
func (p *PhysicalProperty) UnmarshalJSON(data []byte) error {
	type payload struct {
		Type string `json:"@type"`
		physicalPropertyAlias
		Source json.RawMessage `json:"source"`
	}
	var aux payload
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = PhysicalProperty(aux.physicalPropertyAlias)
	p.Type = PropertyType(aux.Type)
	if len(aux.Source) > 0 {
		source, err := unmarshalSource(aux.Source)
		if err != nil {
			return err
		}
		p.Source = source
	}
	return nil
}
