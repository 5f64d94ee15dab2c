package protocols

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"propcore/internal/forcefield"
	"propcore/internal/observables"
	"propcore/internal/workflow"
	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

func TestMolecularWeight(t *testing.T) {
	cases := []struct {
		smiles string
		want   float64
	}{
		{"O", 18.015},
		{"CCO", 46.069},
		{"c1ccccc1", 78.114},
		{"CC(=O)O", 60.052},
		{"[NH4]", 18.039},
		{"ClCCl", 84.933},
	}
	for _, tc := range cases {
		got, err := MolecularWeight(tc.smiles)
		if err != nil {
			t.Fatalf("weight of %q: %v", tc.smiles, err)
		}
		if math.Abs(got-tc.want) > 0.05 {
			t.Fatalf("weight of %q got %.3f want %.3f", tc.smiles, got, tc.want)
		}
	}
	if _, err := MolecularWeight("C(C"); err == nil {
		t.Fatal("unbalanced SMILES should fail")
	}
	if _, err := MolecularWeight("C1CC"); err == nil {
		t.Fatal("unclosed ring should fail")
	}
}

func TestBuildCoordinates(t *testing.T) {
	protocol := &BuildCoordinates{MaxMolecules: 1000}
	if err := protocol.SetInput("substance", domain.Pure("CCO")); err != nil {
		t.Fatalf("set substance: %v", err)
	}
	if err := protocol.SetInput("mass_density", unit.MustQuantity(785, "kg/m^3")); err != nil {
		t.Fatalf("set density: %v", err)
	}
	dir := t.TempDir()
	outputs, err := protocol.Execute(context.Background(), dir)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	spec, err := ReadSystemSpec(outputs["coordinate_file"].(string))
	if err != nil {
		t.Fatalf("read spec: %v", err)
	}
	if spec.TotalMolecules != 1000 {
		t.Fatalf("total molecules got %d want 1000", spec.TotalMolecules)
	}
	// 1000 ethanol molecules at 785 kg/m^3 occupy a box of roughly
	// 4.5 nm on each edge.
	if spec.BoxLengthNm < 4 || spec.BoxLengthNm > 5 {
		t.Fatalf("box length got %.2f nm", spec.BoxLengthNm)
	}
}

const testForceFieldXML = `<SMIRNOFF version="0.3" aromaticity_model="OEAroModel_MDL">
  <vdW potential="Lennard-Jones-12-6" epsilon_unit="kJ/mol" rmin_half_unit="angstrom">
    <Atom smirks="[#6X4:1]" epsilon="0.4577" rmin_half="1.9080"/>
    <Atom smirks="[#8X2H1:1]" epsilon="0.8803" rmin_half="1.7210"/>
  </vdW>
</SMIRNOFF>`

func writeTestSystem(t *testing.T, dir string) (coordinateFile string) {
	t.Helper()
	protocol := &BuildCoordinates{MaxMolecules: 128}
	if err := protocol.SetInput("substance", domain.Pure("CCO")); err != nil {
		t.Fatalf("set substance: %v", err)
	}
	outputs, err := protocol.Execute(context.Background(), dir)
	if err != nil {
		t.Fatalf("build coordinates: %v", err)
	}
	return outputs["coordinate_file"].(string)
}

func TestAssignForceField(t *testing.T) {
	dir := t.TempDir()
	coordinateFile := writeTestSystem(t, dir)

	protocol := &AssignForceField{}
	if err := protocol.SetInput("force_field", []byte(testForceFieldXML)); err != nil {
		t.Fatalf("set force field: %v", err)
	}
	if err := protocol.SetInput("coordinate_file", coordinateFile); err != nil {
		t.Fatalf("set coordinates: %v", err)
	}
	outputs, err := protocol.Execute(context.Background(), dir)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	systemPath := outputs["parameterized_system"].(string)
	data, err := os.ReadFile(systemPath)
	if err != nil {
		t.Fatalf("read system: %v", err)
	}
	if _, err := forcefield.Parse(data); err != nil {
		t.Fatalf("written system is not valid: %v", err)
	}
	if outputs["force_field_id"].(string) != forcefield.NewSource([]byte(testForceFieldXML)).ID() {
		t.Fatal("force field id does not match source")
	}
}

func TestAssignForceFieldRejectsUnmatchedComponent(t *testing.T) {
	dir := t.TempDir()
	builder := &BuildCoordinates{MaxMolecules: 128}
	if err := builder.SetInput("substance", domain.Pure("CN")); err != nil {
		t.Fatalf("set substance: %v", err)
	}
	built, err := builder.Execute(context.Background(), dir)
	if err != nil {
		t.Fatalf("build coordinates: %v", err)
	}

	protocol := &AssignForceField{}
	if err := protocol.SetInput("force_field", []byte(testForceFieldXML)); err != nil {
		t.Fatalf("set force field: %v", err)
	}
	if err := protocol.SetInput("coordinate_file", built["coordinate_file"].(string)); err != nil {
		t.Fatalf("set coordinates: %v", err)
	}
	// The fixture types carbon and hydroxyl oxygen only, so the amine
	// nitrogen must be reported as unparameterised.
	if _, err := protocol.Execute(context.Background(), dir); err == nil {
		t.Fatal("expected unmatched component to fail assignment")
	} else if !strings.Contains(err.Error(), "no vdW parameters for N") {
		t.Fatalf("unexpected error: %v", err)
	}
}

// writeStubEngine writes a fake engine binary that copies a canned
// statistics segment into the working directory.
func writeStubEngine(t *testing.T, dir string, segment *observables.Array) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub engine requires a POSIX shell")
	}
	segmentPath := filepath.Join(dir, "canned_segment.csv")
	if err := segment.ToFile(segmentPath); err != nil {
		t.Fatalf("write canned segment: %v", err)
	}
	script := fmt.Sprintf("#!/bin/sh\ncp %q segment.csv\necho '{}' > minimised.json\ntouch trajectory.dcd\n", segmentPath)
	enginePath := filepath.Join(dir, "stub-engine")
	if err := os.WriteFile(enginePath, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub engine: %v", err)
	}
	return enginePath
}

func testSegment(rows int) *observables.Array {
	array := observables.NewArray()
	potentials := make([]float64, rows)
	volumes := make([]float64, rows)
	densities := make([]float64, rows)
	for i := range potentials {
		potentials[i] = -42000 + float64(i)
		volumes[i] = 90 + 0.01*float64(i)
		densities[i] = 785 + 0.1*float64(i)
	}
	array.Set(observables.PotentialEnergy, potentials)
	array.Set(observables.Volume, volumes)
	array.Set(observables.Density, densities)
	return array
}

func newRunSimulation(t *testing.T, engine string) *RunSimulation {
	t.Helper()
	pressure := unit.MustQuantity(101.325, "kPa")
	protocol := &RunSimulation{
		Ensemble:        EnsembleNPT,
		Steps:           8,
		Timestep:        unit.MustQuantity(2, "fs"),
		OutputFrequency: 2,
		Engine:          engine,
		CoordinateFile:  "system.json",
		SystemFile:      "system.offxml",
		State: domain.NewThermodynamicState(
			unit.MustQuantity(298.15, "K"), &pressure),
	}
	return protocol
}

func TestRunSimulation(t *testing.T) {
	dir := t.TempDir()
	engine := writeStubEngine(t, dir, testSegment(4))

	protocol := newRunSimulation(t, engine)
	outputs, err := protocol.Execute(context.Background(), dir)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	statistics, err := observables.FromFile(outputs["statistics_file"].(string))
	if err != nil {
		t.Fatalf("read statistics: %v", err)
	}
	if statistics.Len() != 4 {
		t.Fatalf("statistics rows got %d want 4", statistics.Len())
	}

	completed, err := readCheckpoint(filepath.Join(dir, "checkpoint.yaml"))
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if completed != 8 {
		t.Fatalf("checkpoint got %d steps want 8", completed)
	}
}

func TestRunSimulationResumesAndAppends(t *testing.T) {
	dir := t.TempDir()
	engine := writeStubEngine(t, dir, testSegment(4))

	protocol := newRunSimulation(t, engine)
	if _, err := protocol.Execute(context.Background(), dir); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	// A longer request against the same directory resumes from the
	// checkpoint and appends only the missing frames.
	protocol.Steps = 16
	outputs, err := protocol.Execute(context.Background(), dir)
	if err != nil {
		t.Fatalf("resumed execute: %v", err)
	}
	statistics, err := observables.FromFile(outputs["statistics_file"].(string))
	if err != nil {
		t.Fatalf("read statistics: %v", err)
	}
	if statistics.Len() != 8 {
		t.Fatalf("statistics rows got %d want 8", statistics.Len())
	}
}

func TestEnergyMinimisation(t *testing.T) {
	dir := t.TempDir()
	engine := writeStubEngine(t, dir, testSegment(1))

	protocol := &EnergyMinimisation{
		Tolerance:      unit.MustQuantity(10, "kJ/mol"),
		Engine:         engine,
		CoordinateFile: "system.json",
		SystemFile:     "system.offxml",
	}
	outputs, err := protocol.Execute(context.Background(), dir)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := os.Stat(outputs["coordinate_file"].(string)); err != nil {
		t.Fatalf("minimised coordinates missing: %v", err)
	}
}

func TestRunSimulationNPTRequiresPressure(t *testing.T) {
	protocol := newRunSimulation(t, "unused")
	protocol.State = domain.NewThermodynamicState(unit.MustQuantity(298.15, "K"), nil)
	if _, err := protocol.Execute(context.Background(), t.TempDir()); err == nil {
		t.Fatal("NPT without pressure should fail")
	}
}

func writeAnalysisStatistics(t *testing.T, dir string, rows int) string {
	t.Helper()
	array := observables.NewArray()
	densities := make([]float64, rows)
	potentials := make([]float64, rows)
	volumes := make([]float64, rows)
	reduced := make([]float64, rows)
	state := npt(t, 298.15)
	for i := range densities {
		densities[i] = 785 + math.Sin(float64(i))*0.5
		potentials[i] = -42000 + math.Cos(float64(i))*300
		volumes[i] = 90
	}
	var err error
	reduced, err = observables.ReducedPotentials(state, potentials, volumes)
	if err != nil {
		t.Fatalf("reduced potentials: %v", err)
	}
	array.Set(observables.Density, densities)
	array.Set(observables.PotentialEnergy, potentials)
	array.Set(observables.Volume, volumes)
	array.Set(observables.ReducedPotential, reduced)
	path := filepath.Join(dir, "statistics.csv")
	if err := array.ToFile(path); err != nil {
		t.Fatalf("write statistics: %v", err)
	}
	return path
}

func npt(t *testing.T, temperature float64) domain.ThermodynamicState {
	t.Helper()
	pressure := unit.MustQuantity(101.325, "kPa")
	return domain.NewThermodynamicState(unit.MustQuantity(temperature, "K"), &pressure)
}

func TestExtractAverageObservable(t *testing.T) {
	dir := t.TempDir()
	path := writeAnalysisStatistics(t, dir, 400)

	protocol := &ExtractAverageObservable{BootstrapIters: 100, Seed: 7}
	if err := protocol.SetInput("statistics_file", path); err != nil {
		t.Fatalf("set statistics: %v", err)
	}
	if err := protocol.SetInput("observable", string(observables.Density)); err != nil {
		t.Fatalf("set observable: %v", err)
	}
	outputs, err := protocol.Execute(context.Background(), dir)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	value := outputs["value"].(unit.Measurement)
	if math.Abs(value.Value.Value-785) > 1 {
		t.Fatalf("mean density got %v", value.Value)
	}
	if value.Uncertainty.Value <= 0 {
		t.Fatal("expected a positive bootstrapped uncertainty")
	}
	if outputs["uncorrelated_sample_count"].(int) <= 0 {
		t.Fatal("expected decorrelated samples")
	}
}

func TestReweightObservable(t *testing.T) {
	dir := t.TempDir()
	path := writeAnalysisStatistics(t, dir, 400)

	protocol := &ReweightObservable{RequiredEffectiveSamples: 50, BootstrapIters: 100, Seed: 7}
	if err := protocol.SetInput("statistics_file", path); err != nil {
		t.Fatalf("set statistics: %v", err)
	}
	if err := protocol.SetInput("observable", string(observables.Density)); err != nil {
		t.Fatalf("set observable: %v", err)
	}
	// Reweighting to a state close to the sampling state keeps the
	// effective sample count high and the mean near the plain average.
	if err := protocol.SetInput("target_state", npt(t, 300.15)); err != nil {
		t.Fatalf("set target: %v", err)
	}
	outputs, err := protocol.Execute(context.Background(), dir)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	value := outputs["value"].(unit.Measurement)
	if math.Abs(value.Value.Value-785) > 2 {
		t.Fatalf("reweighted density got %v", value.Value)
	}
	if outputs["effective_samples"].(float64) < 50 {
		t.Fatalf("effective samples got %v", outputs["effective_samples"])
	}

	// A far-away target state collapses the weights and must be
	// rejected rather than silently returning a noisy estimate.
	if err := protocol.SetInput("target_state", npt(t, 1000)); err != nil {
		t.Fatalf("set far target: %v", err)
	}
	if _, err := protocol.Execute(context.Background(), dir); err == nil {
		t.Fatal("expected reweighting to a distant state to fail")
	}
}

func TestSubtractValuesConvertsUnits(t *testing.T) {
	minuend, err := unit.NewMeasurement(
		unit.MustQuantity(40, "kJ/mol"), unit.MustQuantity(0.3, "kJ/mol"))
	if err != nil {
		t.Fatalf("minuend: %v", err)
	}
	subtrahend, err := unit.NewMeasurement(
		unit.MustQuantity(5000, "J/mol"), unit.MustQuantity(400, "J/mol"))
	if err != nil {
		t.Fatalf("subtrahend: %v", err)
	}
	protocol := &SubtractValues{}
	if err := protocol.SetInput("minuend", minuend); err != nil {
		t.Fatalf("set minuend: %v", err)
	}
	if err := protocol.SetInput("subtrahend", subtrahend); err != nil {
		t.Fatalf("set subtrahend: %v", err)
	}
	outputs, err := protocol.Execute(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	value := outputs["value"].(unit.Measurement)
	if math.Abs(value.Value.Value-35) > 1e-9 {
		t.Fatalf("difference got %v want 35 kJ/mol", value.Value)
	}
	// The subtrahend's 400 J/mol must enter the quadrature as 0.4, not
	// 400, once expressed in the minuend's unit.
	if math.Abs(value.Uncertainty.Value-0.5) > 1e-9 {
		t.Fatalf("uncertainty got %v want 0.5 kJ/mol", value.Uncertainty)
	}
}

func TestCentralDifferenceGradient(t *testing.T) {
	protocol := &CentralDifferenceGradient{}
	key := domain.ParameterGradientKey{Tag: "vdW", SMIRKS: "[#6X4:1]", Attribute: "epsilon"}
	inputs := map[string]any{
		"parameter_key":     key,
		"forward_value":     unit.MustQuantity(790, "kg/m^3"),
		"reverse_value":     unit.MustQuantity(780, "kg/m^3"),
		"forward_parameter": unit.MustQuantity(0.462, "kJ/mol"),
		"reverse_parameter": unit.MustQuantity(0.452, "kJ/mol"),
	}
	for name, value := range inputs {
		if err := protocol.SetInput(name, value); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}
	outputs, err := protocol.Execute(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	gradient := outputs["gradient"].(domain.ParameterGradient)
	if gradient.Key != key {
		t.Fatalf("gradient key got %v", gradient.Key)
	}
	// d(density)/d(epsilon) = 10 / 0.01 = 1000 in mixed units.
	if math.Abs(gradient.Value.Value-1000) > 1e-6 {
		t.Fatalf("gradient value got %v", gradient.Value)
	}
}

func TestDefaultRegistrations(t *testing.T) {
	for _, name := range []string{
		"BuildCoordinates", "AssignForceField", "EnergyMinimisation",
		"RunSimulation", "ExtractAverageObservable", "ReweightObservable",
		"CentralDifferenceGradient",
	} {
		if _, err := workflow.DefaultRegistry.New(name); err != nil {
			t.Fatalf("protocol %s not registered: %v", name, err)
		}
	}
}
