package domain

import (
	"encoding/json"
	"math"
	"testing"

	"propcore/pkg/unit"
)

func TestSubstanceValidateMoleFractions(t *testing.T) {
	s := Pure("CCO")
	if err := s.Validate(); err != nil {
		t.Fatalf("pure substance: %v", err)
	}
	bad := NewSubstance()
	bad.AddComponent(Component{SMILES: "CCO"}, MoleFraction(0.4))
	bad.AddComponent(Component{SMILES: "O"}, MoleFraction(0.4))
	if err := bad.Validate(); err == nil {
		t.Fatalf("fractions summing to 0.8 should be rejected")
	}
	mixed := Binary("CCO", 0.25, "O", 0.75)
	if err := mixed.Validate(); err != nil {
		t.Fatalf("binary substance: %v", err)
	}
}

func TestSubstanceIdentifierOrderIndependent(t *testing.T) {
	a := Binary("CCO", 0.5, "O", 0.5)
	b := Binary("O", 0.5, "CCO", 0.5)
	if a.Identifier() != b.Identifier() {
		t.Fatalf("identifiers differ: %q vs %q", a.Identifier(), b.Identifier())
	}
}

func TestSubstanceMoleculeCounts(t *testing.T) {
	s := Binary("CCO", 0.25, "O", 0.75)
	counts, err := s.MoleculeCounts(1000)
	if err != nil {
		t.Fatalf("molecule counts: %v", err)
	}
	if counts["CCO"] != 250 || counts["O"] != 750 {
		t.Fatalf("unexpected counts %+v", counts)
	}
	ligand := NewSubstance()
	ligand.AddComponent(Component{SMILES: "c1ccccc1", Role: RoleSolute}, ExactAmount(1))
	ligand.AddComponent(Component{SMILES: "O", Role: RoleSolvent}, MoleFraction(1.0))
	counts, err = ligand.MoleculeCounts(100)
	if err != nil {
		t.Fatalf("molecule counts: %v", err)
	}
	if counts["c1ccccc1{solute}"] != 1 || counts["O"] != 99 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestThermodynamicStateValidate(t *testing.T) {
	p := unit.MustQuantity(101.325, "kPa")
	state := NewThermodynamicState(unit.MustQuantity(298.15, "K"), &p)
	if err := state.Validate(); err != nil {
		t.Fatalf("state: %v", err)
	}
	bad := NewThermodynamicState(unit.MustQuantity(1.0, "kPa"), nil)
	if err := bad.Validate(); err == nil {
		t.Fatalf("pressure-as-temperature should be rejected")
	}
}

func TestStateBetaDimensionless(t *testing.T) {
	state := NewThermodynamicState(unit.MustQuantity(298.15, "K"), nil)
	beta := state.Beta()
	// beta * kB * T must come out to exactly one.
	product := beta.Mul(unit.BoltzmannConstant).Mul(state.Temperature)
	if !product.Unit.Dim().IsDimensionless() || math.Abs(product.SI()-1) > 1e-12 {
		t.Fatalf("beta*kB*T = %v, want dimensionless 1", product)
	}
}

func TestPhysicalPropertyJSONRoundTrip(t *testing.T) {
	p := unit.MustQuantity(101.325, "kPa")
	prop := PhysicalProperty{
		ID:          "prop-1",
		Type:        PropertyDensity,
		Phase:       PhaseLiquid,
		State:       NewThermodynamicState(unit.MustQuantity(298.15, "K"), &p),
		Substance:   Pure("CCO"),
		Value:       unit.MustQuantity(785.0, "kg/m^3"),
		Uncertainty: unit.MustQuantity(0.5, "kg/m^3"),
		Source:      MeasurementSource{Reference: "doi-archive", DOI: "10.0/xyz"},
		Gradients: []ParameterGradient{{
			Key:   ParameterGradientKey{Tag: "vdW", SMIRKS: "[#6X4:1]", Attribute: "epsilon"},
			Value: unit.MustQuantity(0.1, "kg/m^3"),
		}},
	}
	if err := prop.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	data, err := json.Marshal(prop)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded PhysicalProperty
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != PropertyDensity {
		t.Fatalf("type lost in round trip: %q", decoded.Type)
	}
	if decoded.Phase != PhaseLiquid {
		t.Fatalf("phase lost in round trip: %v", decoded.Phase)
	}
	src, ok := decoded.Source.(MeasurementSource)
	if !ok || src.DOI != "10.0/xyz" {
		t.Fatalf("source lost in round trip: %+v", decoded.Source)
	}
	if len(decoded.Gradients) != 1 || decoded.Gradients[0].Key.Tag != "vdW" {
		t.Fatalf("gradients lost in round trip: %+v", decoded.Gradients)
	}
	if err := decoded.Validate(); err != nil {
		t.Fatalf("decoded validate: %v", err)
	}
}

func TestPhysicalPropertyDimensionMismatch(t *testing.T) {
	prop := PhysicalProperty{
		ID:          "prop-2",
		Type:        PropertyDensity,
		State:       NewThermodynamicState(unit.MustQuantity(298.15, "K"), nil),
		Substance:   Pure("CCO"),
		Value:       unit.MustQuantity(42.3, "kJ/mol"),
		Uncertainty: unit.MustQuantity(0.1, "kJ/mol"),
	}
	if err := prop.Validate(); err == nil {
		t.Fatalf("density with molar-energy units should be rejected")
	}
}

func TestCalculationSourceRoundTrip(t *testing.T) {
	prop := PhysicalProperty{
		ID:          "prop-3",
		Type:        PropertyDielectricConstant,
		State:       NewThermodynamicState(unit.MustQuantity(298.15, "K"), nil),
		Substance:   Pure("CCO"),
		Value:       unit.MustQuantity(24.5, "dimensionless"),
		Uncertainty: unit.MustQuantity(0.2, "dimensionless"),
		Source: CalculationSource{
			FidelityLayer: "SimulationLayer",
			Provenance:    map[string]string{"workflow": "wf-1"},
		},
	}
	data, err := json.Marshal(prop)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded PhysicalProperty
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	src, ok := decoded.Source.(CalculationSource)
	if !ok || src.FidelityLayer != "SimulationLayer" || src.Provenance["workflow"] != "wf-1" {
		t.Fatalf("calculation source lost: %+v", decoded.Source)
	}
}

func TestParsePhase(t *testing.T) {
	phase, err := ParsePhase("liquid+gas")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if phase != PhaseLiquid|PhaseGas {
		t.Fatalf("unexpected phase %v", phase)
	}
	if _, err := ParsePhase("plasma"); err == nil {
		t.Fatalf("unknown phase should be rejected")
	}
}
