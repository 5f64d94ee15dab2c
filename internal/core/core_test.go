package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"propcore/internal/backends"
	"propcore/internal/blob"
	"propcore/internal/dataset"
	"propcore/internal/forcefield"
	"propcore/internal/observables"
	"propcore/internal/storage"
	"propcore/internal/workflow"
	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

const testForceFieldXML = `<SMIRNOFF version="0.3" aromaticity_model="OEAroModel_MDL">
  <vdW potential="Lennard-Jones-12-6" epsilon_unit="kJ/mol" rmin_half_unit="angstrom">
    <Atom smirks="[#6X4:1]" epsilon="0.4577" rmin_half="1.9080"/>
    <Atom smirks="[#8X2H1:1]" epsilon="0.8803" rmin_half="1.7210"/>
  </vdW>
</SMIRNOFF>`

func liquidState(t *testing.T, temperature float64) domain.ThermodynamicState {
	t.Helper()
	pressure := unit.MustQuantity(101.325, "kPa")
	return domain.NewThermodynamicState(unit.MustQuantity(temperature, "K"), &pressure)
}

func densityProperty(t *testing.T, id, smiles string) domain.PhysicalProperty {
	t.Helper()
	return domain.PhysicalProperty{
		ID:          id,
		Type:        domain.PropertyDensity,
		Phase:       domain.PhaseLiquid,
		State:       liquidState(t, 298.15),
		Substance:   domain.Pure(smiles),
		Value:       unit.Quantity{Value: 785, Unit: unit.KilogramPerCubicM},
		Uncertainty: unit.Quantity{Value: 1, Unit: unit.KilogramPerCubicM},
		Source:      domain.MeasurementSource{Reference: "test fixture"},
	}
}

func testDataSet(t *testing.T, properties ...domain.PhysicalProperty) *dataset.DataSet {
	t.Helper()
	set := dataset.New()
	if err := set.AddProperties(properties...); err != nil {
		t.Fatalf("build dataset: %v", err)
	}
	return set
}

// writeStubEngine fakes the external engine: every invocation copies a
// canned statistics segment into the working directory and writes the
// artifacts the minimise and simulate tasks are expected to produce.
func writeStubEngine(t *testing.T, dir string, rows int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub engine requires a POSIX shell")
	}
	array := observables.NewArray()
	densities := make([]float64, rows)
	potentials := make([]float64, rows)
	volumes := make([]float64, rows)
	enthalpies := make([]float64, rows)
	for i := range densities {
		densities[i] = 785 + 0.1*float64(i)
		potentials[i] = -42000 + float64(i)
		volumes[i] = 90 + 0.01*float64(i)
		enthalpies[i] = -40 + 0.05*float64(i)
	}
	array.Set(observables.Density, densities)
	array.Set(observables.PotentialEnergy, potentials)
	array.Set(observables.Volume, volumes)
	array.Set(observables.Enthalpy, enthalpies)

	segmentPath := filepath.Join(dir, "canned_segment.csv")
	if err := array.ToFile(segmentPath); err != nil {
		t.Fatalf("write canned segment: %v", err)
	}
	script := fmt.Sprintf("#!/bin/sh\ncp %q segment.csv\necho '{}' > minimised.json\ntouch trajectory.dcd\n", segmentPath)
	enginePath := filepath.Join(dir, "stub-engine")
	if err := os.WriteFile(enginePath, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub engine: %v", err)
	}
	return enginePath
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	return storage.New(storage.NewMemoryIndex(), blob.NewMemory())
}

func testService(t *testing.T, store *storage.Store) (*Service, string) {
	t.Helper()
	workingDir := t.TempDir()
	backend, err := backends.NewLocal(backends.Options{Workers: 2, WorkingDir: workingDir})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	t.Cleanup(backend.Shutdown)
	service, err := NewService(ServiceConfig{Backend: backend, Storage: store, WorkingDir: workingDir})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, workingDir
}

func awaitResult(t *testing.T, service *Service, id string) RequestResult {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		result, ok := service.Result(id)
		if !ok {
			t.Fatalf("request %s unknown", id)
		}
		if result.Status.Terminal() {
			return result
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s did not finish", id)
	return RequestResult{}
}

func TestDefaultWorkflowsMergeAcrossProperties(t *testing.T) {
	source := forcefield.NewSource([]byte(testForceFieldXML))
	options := RequestOptions{}.withDefaults()

	first := densityProperty(t, "density-a", "CCO")
	second := densityProperty(t, "density-b", "CCO")
	second.Substance = first.Substance

	graph := workflow.NewGraph()
	for _, property := range []domain.PhysicalProperty{first, second} {
		schema, err := simulationSchema(property, source, options)
		if err != nil {
			t.Fatalf("build schema: %v", err)
		}
		if err := graph.AddSchema(schema, workflow.DefaultRegistry); err != nil {
			t.Fatalf("add schema: %v", err)
		}
	}

	// Both properties share substance, state and options, so the whole
	// sampling chain dedupes; only the extraction nodes stay separate.
	if got := len(graph.Nodes()); got != 5 {
		t.Fatalf("expected 5 nodes after merging, got %d", got)
	}
	if graph.Resolve("density-b|production") != "density-a|production" {
		t.Fatalf("production protocols did not merge: %s", graph.Resolve("density-b|production"))
	}
}

func TestSimulationSchemaUnknownPropertyType(t *testing.T) {
	source := forcefield.NewSource([]byte(testForceFieldXML))
	property := densityProperty(t, "eps-1", "CCO")
	property.Type = domain.PropertyDielectricConstant

	if _, err := simulationSchema(property, source, RequestOptions{}.withDefaults()); err == nil {
		t.Fatal("expected an error for a property type without a default workflow")
	}
}

func TestBatchBySubstance(t *testing.T) {
	ethanol := densityProperty(t, "density-1", "CCO")
	water := densityProperty(t, "density-2", "O")
	request := EstimationRequest{
		DataSet:    testDataSet(t, ethanol, water),
		ForceField: []byte(testForceFieldXML),
	}
	source := forcefield.NewSource(request.ForceField)

	batches := batchBySubstance("req-1", request, request.Options.withDefaults(), source)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	for _, batch := range batches {
		if len(batch.Properties) != 1 {
			t.Fatalf("batch %s has %d properties", batch.SubstanceID, len(batch.Properties))
		}
		if batch.Properties[0].Substance.Identifier() != batch.SubstanceID {
			t.Fatalf("property substance %s does not match batch %s",
				batch.Properties[0].Substance.Identifier(), batch.SubstanceID)
		}
	}
}

func TestServiceEstimatesDensityBySimulation(t *testing.T) {
	engine := writeStubEngine(t, t.TempDir(), 4)
	store := testStore(t)
	service, _ := testService(t, store)

	property := densityProperty(t, "density-1", "CCO")
	id, err := service.SubmitRequest(context.Background(), EstimationRequest{
		DataSet:    testDataSet(t, property),
		ForceField: []byte(testForceFieldXML),
		Options: RequestOptions{
			Layers:          []string{LayerSimulation},
			Steps:           2000,
			OutputFrequency: 500,
			Engine:          engine,
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	result := awaitResult(t, service, id)
	if result.Status != StatusComplete {
		t.Fatalf("status = %s", result.Status)
	}
	if len(result.Exceptions) != 0 {
		t.Fatalf("unexpected exceptions: %+v", result.Exceptions)
	}
	if len(result.EstimatedProperties) != 1 || len(result.UnestimatedProperties) != 0 {
		t.Fatalf("estimated %d, unestimated %d",
			len(result.EstimatedProperties), len(result.UnestimatedProperties))
	}

	estimated := result.EstimatedProperties[0]
	if estimated.Value.Value < 784 || estimated.Value.Value > 787 {
		t.Fatalf("estimated density %.2f outside canned range", estimated.Value.Value)
	}
	calcSource, ok := estimated.Source.(domain.CalculationSource)
	if !ok || calcSource.FidelityLayer != LayerSimulation {
		t.Fatalf("unexpected provenance %+v", estimated.Source)
	}

	// The production run must now be cached for reweighting.
	state := property.State
	cached, err := store.Retrieve(context.Background(), storage.Query{
		SubstanceIdentifier: property.Substance.Identifier(),
		State:               &state,
	})
	if err != nil {
		t.Fatalf("retrieve cached data: %v", err)
	}
	if len(cached) != 1 {
		t.Fatalf("expected 1 cached run, got %d", len(cached))
	}
	if cached[0].ForceFieldID != forcefield.NewSource([]byte(testForceFieldXML)).ID() {
		t.Fatal("cached run has wrong force field id")
	}
}

func TestVaporizationArchivesTheLiquidBranch(t *testing.T) {
	engine := writeStubEngine(t, t.TempDir(), 4)
	store := testStore(t)
	service, _ := testService(t, store)

	property := domain.PhysicalProperty{
		ID:          "hvap-1",
		Type:        domain.PropertyEnthalpyOfVaporization,
		Phase:       domain.PhaseLiquid | domain.PhaseGas,
		State:       liquidState(t, 298.15),
		Substance:   domain.Pure("CCO"),
		Value:       unit.MustQuantity(42, "kJ/mol"),
		Uncertainty: unit.MustQuantity(0.5, "kJ/mol"),
		Source:      domain.MeasurementSource{Reference: "test fixture"},
	}
	id, err := service.SubmitRequest(context.Background(), EstimationRequest{
		DataSet:    testDataSet(t, property),
		ForceField: []byte(testForceFieldXML),
		Options: RequestOptions{
			Layers:          []string{LayerSimulation},
			Steps:           2000,
			OutputFrequency: 500,
			Engine:          engine,
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	result := awaitResult(t, service, id)
	if result.Status != StatusComplete {
		t.Fatalf("status = %s, error = %s", result.Status, result.Error)
	}
	if len(result.Exceptions) != 0 {
		t.Fatalf("unexpected exceptions: %+v", result.Exceptions)
	}
	if len(result.EstimatedProperties) != 1 {
		t.Fatalf("estimated %d properties", len(result.EstimatedProperties))
	}

	// Only the condensed branch is archived, and it must carry the
	// phase of that branch, not the property's liquid+gas pair, or
	// later density reweighting queries can never match it.
	state := property.State
	cached, err := store.Retrieve(context.Background(), storage.Query{
		SubstanceIdentifier: property.Substance.Identifier(),
		Phase:               domain.PhaseLiquid,
		State:               &state,
	})
	if err != nil {
		t.Fatalf("retrieve cached data: %v", err)
	}
	if len(cached) != 1 {
		t.Fatalf("expected 1 liquid-phase cached run, got %d", len(cached))
	}
	if cached[0].Phase != domain.PhaseLiquid {
		t.Fatalf("archived phase %v, want liquid", cached[0].Phase)
	}
}

// seedCachedRun stores a synthetic production run whose reduced
// potentials are consistent with the given state.
func seedCachedRun(t *testing.T, store *storage.Store, source *forcefield.Source, property domain.PhysicalProperty) string {
	t.Helper()
	dir := t.TempDir()
	rows := 400
	array := observables.NewArray()
	densities := make([]float64, rows)
	potentials := make([]float64, rows)
	volumes := make([]float64, rows)
	for i := range densities {
		densities[i] = 789 + 0.01*float64(i%7)
		potentials[i] = -42000 + 5*float64(i%11)
		volumes[i] = 90
	}
	reduced, err := observables.ReducedPotentials(property.State, potentials, volumes)
	if err != nil {
		t.Fatalf("reduced potentials: %v", err)
	}
	array.Set(observables.Density, densities)
	array.Set(observables.PotentialEnergy, potentials)
	array.Set(observables.Volume, volumes)
	array.Set(observables.ReducedPotential, reduced)
	if err := array.ToFile(filepath.Join(dir, "statistics.csv")); err != nil {
		t.Fatalf("write statistics: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "trajectory.dcd"), []byte("dcd"), 0o644); err != nil {
		t.Fatalf("write trajectory: %v", err)
	}

	id, err := store.Save(context.Background(), storage.StoredSimulationData{
		Substance:               property.Substance,
		State:                   property.State,
		Phase:                   property.Phase,
		ForceFieldID:            source.ID(),
		NumberOfMolecules:       256,
		StatisticalInefficiency: 2,
		EffectiveSamples:        200,
	}, dir)
	if err != nil {
		t.Fatalf("seed storage: %v", err)
	}
	return id
}

func TestServiceReweightsCachedData(t *testing.T) {
	store := testStore(t)
	service, _ := testService(t, store)
	source := forcefield.NewSource([]byte(testForceFieldXML))

	property := densityProperty(t, "density-1", "CCO")
	dataID := seedCachedRun(t, store, source, property)

	id, err := service.SubmitRequest(context.Background(), EstimationRequest{
		DataSet:    testDataSet(t, property),
		ForceField: []byte(testForceFieldXML),
		Options: RequestOptions{
			Layers:                   []string{LayerReweighting},
			RequiredEffectiveSamples: 5,
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	result := awaitResult(t, service, id)
	if len(result.EstimatedProperties) != 1 {
		t.Fatalf("estimated %d properties, exceptions %+v",
			len(result.EstimatedProperties), result.Exceptions)
	}
	estimated := result.EstimatedProperties[0]
	if estimated.Value.Value < 788 || estimated.Value.Value > 790 {
		t.Fatalf("reweighted density %.2f outside seeded range", estimated.Value.Value)
	}
	calcSource, ok := estimated.Source.(domain.CalculationSource)
	if !ok || calcSource.FidelityLayer != LayerReweighting {
		t.Fatalf("unexpected provenance %+v", estimated.Source)
	}
	if calcSource.Provenance["data_id"] != dataID {
		t.Fatalf("provenance points at %s, want %s", calcSource.Provenance["data_id"], dataID)
	}
}

func TestPropertiesWithoutCachedDataFallThrough(t *testing.T) {
	store := testStore(t)
	service, _ := testService(t, store)

	property := densityProperty(t, "density-1", "CCO")
	id, err := service.SubmitRequest(context.Background(), EstimationRequest{
		DataSet:    testDataSet(t, property),
		ForceField: []byte(testForceFieldXML),
		Options:    RequestOptions{Layers: []string{LayerReweighting}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	result := awaitResult(t, service, id)
	if len(result.EstimatedProperties) != 0 {
		t.Fatalf("expected no estimates, got %d", len(result.EstimatedProperties))
	}
	if len(result.UnestimatedProperties) != 1 {
		t.Fatalf("expected the property back unestimated, got %d", len(result.UnestimatedProperties))
	}
	if len(result.Exceptions) != 0 {
		t.Fatalf("fall-through must not record exceptions, got %+v", result.Exceptions)
	}
}

func TestLayerFailuresNeverAbortTheRequest(t *testing.T) {
	store := testStore(t)
	service, _ := testService(t, store)

	// The engine binary does not exist, so every simulation fails.
	good := densityProperty(t, "density-1", "CCO")
	id, err := service.SubmitRequest(context.Background(), EstimationRequest{
		DataSet:    testDataSet(t, good),
		ForceField: []byte(testForceFieldXML),
		Options: RequestOptions{
			Layers: []string{LayerSimulation},
			Engine: "/nonexistent/engine",
			Steps:  1000, OutputFrequency: 500,
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	result := awaitResult(t, service, id)
	if result.Status != StatusComplete {
		t.Fatalf("status = %s, want complete despite failures", result.Status)
	}
	if len(result.UnestimatedProperties) != 1 {
		t.Fatalf("expected the property back unestimated, got %d", len(result.UnestimatedProperties))
	}
	if len(result.Exceptions) != 1 {
		t.Fatalf("expected one exception, got %+v", result.Exceptions)
	}
	if result.Exceptions[0].PropertyID != "density-1" || result.Exceptions[0].Layer != LayerSimulation {
		t.Fatalf("exception %+v not attributed to the property and layer", result.Exceptions[0])
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	service, _ := testService(t, testStore(t))

	if _, err := service.SubmitRequest(context.Background(), EstimationRequest{}); err == nil {
		t.Fatal("expected an error for an empty request")
	}
	if _, err := service.SubmitRequest(context.Background(), EstimationRequest{
		DataSet:    testDataSet(t, densityProperty(t, "density-1", "CCO")),
		ForceField: []byte("not xml"),
	}); err == nil {
		t.Fatal("expected an error for an unparseable force field")
	}
	if _, err := service.SubmitRequest(context.Background(), EstimationRequest{
		DataSet:    testDataSet(t, densityProperty(t, "density-1", "CCO")),
		ForceField: []byte(testForceFieldXML),
		Options:    RequestOptions{Layers: []string{"NoSuchLayer"}},
	}); err == nil {
		t.Fatal("expected an error for an unknown layer")
	}
}
