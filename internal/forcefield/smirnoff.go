// Package forcefield parses SMIRNOFF force-field parameter documents
// and exposes the parameter lookup and perturbation operations used by
// the workflow and gradient layers.
package forcefield

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

// VdWParameter is a per-SMIRKS Lennard-Jones parameter pair.
type VdWParameter struct {
	ID       string
	SMIRKS   string
	Epsilon  unit.Quantity
	RminHalf unit.Quantity
}

// ConstraintParameter fixes the length of bonds matched by a SMIRKS
// pattern.
type ConstraintParameter struct {
	ID       string
	SMIRKS   string
	Distance unit.Quantity
}

// ForceField is a parsed SMIRNOFF parameter set. Parameter lists keep
// document order; SMIRKS matching resolves to the last declaration,
// matching SMIRNOFF hierarchy rules.
type ForceField struct {
	Version          string
	AromaticityModel string
	VdW              []VdWParameter
	Constraints      []ConstraintParameter
}

// The raw XML shape. Units are declared once per section and applied to
// every parameter row.
type smirnoffXML struct {
	XMLName          xml.Name       `xml:"SMIRNOFF"`
	Version          string         `xml:"version,attr"`
	AromaticityModel string         `xml:"aromaticity_model,attr"`
	VdW              *vdwSectionXML `xml:"vdW"`
	Constraints      *constraintSectionXML `xml:"Constraints"`
}

type vdwSectionXML struct {
	Potential    string       `xml:"potential,attr"`
	EpsilonUnit  string       `xml:"epsilon_unit,attr"`
	RminHalfUnit string       `xml:"rmin_half_unit,attr"`
	Atoms        []vdwAtomXML `xml:"Atom"`
}

type vdwAtomXML struct {
	ID       string `xml:"id,attr"`
	SMIRKS   string `xml:"smirks,attr"`
	Epsilon  string `xml:"epsilon,attr"`
	RminHalf string `xml:"rmin_half,attr"`
}

type constraintSectionXML struct {
	DistanceUnit string             `xml:"distance_unit,attr"`
	Constraints  []constraintRowXML `xml:"Constraint"`
}

type constraintRowXML struct {
	ID       string `xml:"id,attr"`
	SMIRKS   string `xml:"smirks,attr"`
	Distance string `xml:"distance,attr"`
}

// Parse decodes a SMIRNOFF XML document.
func Parse(data []byte) (*ForceField, error) {
	var doc smirnoffXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode smirnoff: %w", err)
	}
	ff := &ForceField{Version: doc.Version, AromaticityModel: doc.AromaticityModel}
	if doc.VdW != nil {
		epsilonUnit, err := sectionUnit(doc.VdW.EpsilonUnit, "kJ/mol")
		if err != nil {
			return nil, fmt.Errorf("vdW epsilon unit: %w", err)
		}
		rminUnit, err := sectionUnit(doc.VdW.RminHalfUnit, "angstrom")
		if err != nil {
			return nil, fmt.Errorf("vdW rmin_half unit: %w", err)
		}
		for _, atom := range doc.VdW.Atoms {
			epsilon, err := parameterValue(atom.Epsilon, epsilonUnit)
			if err != nil {
				return nil, fmt.Errorf("vdW %s epsilon: %w", atom.SMIRKS, err)
			}
			rmin, err := parameterValue(atom.RminHalf, rminUnit)
			if err != nil {
				return nil, fmt.Errorf("vdW %s rmin_half: %w", atom.SMIRKS, err)
			}
			ff.VdW = append(ff.VdW, VdWParameter{
				ID: atom.ID, SMIRKS: atom.SMIRKS, Epsilon: epsilon, RminHalf: rmin,
			})
		}
	}
	if doc.Constraints != nil {
		distanceUnit, err := sectionUnit(doc.Constraints.DistanceUnit, "angstrom")
		if err != nil {
			return nil, fmt.Errorf("constraint distance unit: %w", err)
		}
		for _, row := range doc.Constraints.Constraints {
			distance, err := parameterValue(row.Distance, distanceUnit)
			if err != nil {
				return nil, fmt.Errorf("constraint %s: %w", row.SMIRKS, err)
			}
			ff.Constraints = append(ff.Constraints, ConstraintParameter{
				ID: row.ID, SMIRKS: row.SMIRKS, Distance: distance,
			})
		}
	}
	return ff, nil
}

func sectionUnit(symbol, fallback string) (unit.Unit, error) {
	if strings.TrimSpace(symbol) == "" {
		symbol = fallback
	}
	return unit.Parse(symbol)
}

func parameterValue(raw string, u unit.Unit) (unit.Quantity, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return unit.Quantity{}, fmt.Errorf("invalid value %q", raw)
	}
	return unit.Quantity{Value: value, Unit: u}, nil
}

// LookupVdW returns the vdW parameters for a SMIRKS pattern.
func (ff *ForceField) LookupVdW(smirks string) (VdWParameter, bool) {
	for i := len(ff.VdW) - 1; i >= 0; i-- {
		if ff.VdW[i].SMIRKS == smirks {
			return ff.VdW[i], true
		}
	}
	return VdWParameter{}, false
}

// elementNumbers maps the organic-subset element symbols to the
// atomic numbers SMIRKS primitives use.
var elementNumbers = map[string]int{
	"H": 1, "B": 5, "C": 6, "N": 7, "O": 8, "F": 9,
	"P": 15, "S": 16, "Cl": 17, "Br": 35, "I": 53,
}

// CoversElement reports whether any vdW pattern types atoms of the
// given element. A `#n` primitive must not be followed by another
// digit, so `#6` does not match `#61`.
func (ff *ForceField) CoversElement(element string) bool {
	n, ok := elementNumbers[element]
	if !ok {
		return false
	}
	needle := fmt.Sprintf("#%d", n)
	for _, param := range ff.VdW {
		smirks := param.SMIRKS
		for from := 0; ; {
			k := strings.Index(smirks[from:], needle)
			if k < 0 {
				break
			}
			after := from + k + len(needle)
			if after >= len(smirks) || smirks[after] < '0' || smirks[after] > '9' {
				return true
			}
			from = after
		}
	}
	return false
}

// Parameter resolves a gradient key to the parameter value it
// addresses.
func (ff *ForceField) Parameter(key domain.ParameterGradientKey) (unit.Quantity, error) {
	switch key.Tag {
	case "vdW":
		param, ok := ff.LookupVdW(key.SMIRKS)
		if !ok {
			return unit.Quantity{}, fmt.Errorf("no vdW parameter matches %q", key.SMIRKS)
		}
		switch key.Attribute {
		case "epsilon":
			return param.Epsilon, nil
		case "rmin_half":
			return param.RminHalf, nil
		default:
			return unit.Quantity{}, fmt.Errorf("vdW has no attribute %q", key.Attribute)
		}
	case "Constraints":
		for i := len(ff.Constraints) - 1; i >= 0; i-- {
			if ff.Constraints[i].SMIRKS == key.SMIRKS {
				return ff.Constraints[i].Distance, nil
			}
		}
		return unit.Quantity{}, fmt.Errorf("no constraint matches %q", key.SMIRKS)
	default:
		return unit.Quantity{}, fmt.Errorf("unknown parameter tag %q", key.Tag)
	}
}

// Perturb returns a deep copy of the force field with the addressed
// parameter scaled by the given factor. Used to build the forward and
// reverse parameter sets for central-difference gradients.
func (ff *ForceField) Perturb(key domain.ParameterGradientKey, factor float64) (*ForceField, error) {
	if _, err := ff.Parameter(key); err != nil {
		return nil, err
	}
	out := &ForceField{
		Version:          ff.Version,
		AromaticityModel: ff.AromaticityModel,
		VdW:              append([]VdWParameter(nil), ff.VdW...),
		Constraints:      append([]ConstraintParameter(nil), ff.Constraints...),
	}
	switch key.Tag {
	case "vdW":
		for i := range out.VdW {
			if out.VdW[i].SMIRKS != key.SMIRKS {
				continue
			}
			switch key.Attribute {
			case "epsilon":
				out.VdW[i].Epsilon = out.VdW[i].Epsilon.Scale(factor)
			case "rmin_half":
				out.VdW[i].RminHalf = out.VdW[i].RminHalf.Scale(factor)
			}
		}
	case "Constraints":
		for i := range out.Constraints {
			if out.Constraints[i].SMIRKS == key.SMIRKS {
				out.Constraints[i].Distance = out.Constraints[i].Distance.Scale(factor)
			}
		}
	}
	return out, nil
}
