package core

import (
	"fmt"

	"propcore/internal/forcefield"
	"propcore/internal/observables"
	"propcore/internal/protocols"
	"propcore/internal/workflow"
	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

// gasPhaseDensity is the nominal box density used when packing a
// single-molecule vacuum box for gas-phase sampling.
var gasPhaseDensity = unit.Quantity{Value: 0.01, Unit: unit.KilogramPerCubicM}

// simulationSchema builds the default workflow that estimates one
// property from scratch. Protocol ids are prefixed with the property
// id; equivalent protocols across the properties of a batch merge when
// their inputs agree.
func simulationSchema(p domain.PhysicalProperty, ff *forcefield.Source, opts RequestOptions) (workflow.Schema, error) {
	switch p.Type {
	case domain.PropertyDensity:
		return averagingSchema(p, ff, opts, observables.Density), nil
	case domain.PropertyEnthalpyOfVaporization:
		return vaporizationSchema(p, ff, opts), nil
	default:
		return workflow.Schema{}, fmt.Errorf("no default simulation workflow for %s properties", p.Type)
	}
}

// averagingSchema is the common condensed-phase chain: pack a box,
// parameterize it, minimise, sample, and average one statistics
// column.
func averagingSchema(p domain.PhysicalProperty, ff *forcefield.Source, opts RequestOptions, observable observables.ObservableType) workflow.Schema {
	stage := stageNamer(p.ID, "")
	return workflow.Schema{
		ID: p.ID,
		Protocols: append(
			samplingProtocols(stage, p, ff, opts, p.Substance, opts.MaxMolecules, unit.Quantity{}, protocols.EnsembleNPT),
			workflow.ProtocolSchema{
				ID:   stage("extract"),
				Type: "ExtractAverageObservable",
				Inputs: map[string]workflow.Value{
					"statistics_file": workflow.Ref(stage("production"), "statistics_file"),
					"observable":      workflow.Literal(string(observable)),
				},
			},
		),
		FinalValue: workflow.Path{Protocol: stage("extract"), Output: "value"},
	}
}

// vaporizationSchema estimates an enthalpy of vaporization as the
// difference between gas- and liquid-phase average enthalpies.
func vaporizationSchema(p domain.PhysicalProperty, ff *forcefield.Source, opts RequestOptions) workflow.Schema {
	liquid := stageNamer(p.ID, "liquid")
	gas := stageNamer(p.ID, "gas")

	protocolSchemas := samplingProtocols(liquid, p, ff, opts, p.Substance, opts.MaxMolecules, unit.Quantity{}, protocols.EnsembleNPT)
	protocolSchemas = append(protocolSchemas,
		samplingProtocols(gas, p, ff, opts, p.Substance, 1, gasPhaseDensity, protocols.EnsembleNVT)...)
	protocolSchemas = append(protocolSchemas,
		workflow.ProtocolSchema{
			ID:   liquid("extract"),
			Type: "ExtractAverageObservable",
			Inputs: map[string]workflow.Value{
				"statistics_file": workflow.Ref(liquid("production"), "statistics_file"),
				"observable":      workflow.Literal(string(observables.Enthalpy)),
			},
		},
		workflow.ProtocolSchema{
			ID:   gas("extract"),
			Type: "ExtractAverageObservable",
			Inputs: map[string]workflow.Value{
				"statistics_file": workflow.Ref(gas("production"), "statistics_file"),
				"observable":      workflow.Literal(string(observables.Enthalpy)),
			},
		},
		workflow.ProtocolSchema{
			ID:   p.ID + "|difference",
			Type: "SubtractValues",
			Inputs: map[string]workflow.Value{
				"minuend":    workflow.Ref(gas("extract"), "value"),
				"subtrahend": workflow.Ref(liquid("extract"), "value"),
			},
		},
	)

	return workflow.Schema{
		ID:         p.ID,
		Protocols:  protocolSchemas,
		FinalValue: workflow.Path{Protocol: p.ID + "|difference", Output: "value"},
	}
}

// samplingProtocols is the build / assign / minimise / production
// prefix shared by every default workflow.
func samplingProtocols(stage func(string) string, p domain.PhysicalProperty, ff *forcefield.Source, opts RequestOptions, substance *domain.Substance, maxMolecules int, density unit.Quantity, ensemble protocols.Ensemble) []workflow.ProtocolSchema {
	buildInputs := map[string]workflow.Value{
		"substance":     workflow.Literal(substance),
		"max_molecules": workflow.Literal(maxMolecules),
	}
	if density != (unit.Quantity{}) {
		buildInputs["mass_density"] = workflow.Literal(density)
	}
	productionInputs := map[string]workflow.Value{
		"coordinate_file":      workflow.Ref(stage("minimise"), "coordinate_file"),
		"parameterized_system": workflow.Ref(stage("assign"), "parameterized_system"),
		"thermodynamic_state":  workflow.Literal(p.State),
		"ensemble":             workflow.Literal(string(ensemble)),
		"steps":                workflow.Literal(opts.Steps),
		"output_frequency":     workflow.Literal(opts.OutputFrequency),
	}
	minimiseInputs := map[string]workflow.Value{
		"coordinate_file":      workflow.Ref(stage("build"), "coordinate_file"),
		"parameterized_system": workflow.Ref(stage("assign"), "parameterized_system"),
	}
	if opts.Engine != "" {
		productionInputs["engine"] = workflow.Literal(opts.Engine)
		minimiseInputs["engine"] = workflow.Literal(opts.Engine)
	}
	return []workflow.ProtocolSchema{
		{ID: stage("build"), Type: "BuildCoordinates", Inputs: buildInputs},
		{ID: stage("assign"), Type: "AssignForceField", Inputs: map[string]workflow.Value{
			"force_field":     workflow.Literal(ff),
			"coordinate_file": workflow.Ref(stage("build"), "coordinate_file"),
		}},
		{ID: stage("minimise"), Type: "EnergyMinimisation", Inputs: minimiseInputs},
		{ID: stage("production"), Type: "RunSimulation", Inputs: productionInputs},
	}
}

// stageNamer scopes protocol ids to a property and optional phase so
// that ids stay unique within a batch graph while still merging by
// input equality.
func stageNamer(propertyID, phase string) func(string) string {
	return func(stage string) string {
		if phase == "" {
			return propertyID + "|" + stage
		}
		return propertyID + "|" + phase + "_" + stage
	}
}
