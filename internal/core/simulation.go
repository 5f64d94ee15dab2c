package core

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"

	"propcore/internal/backends"
	"propcore/internal/ctxlog"
	"propcore/internal/protocols"
	"propcore/internal/storage"
	"propcore/internal/workflow"
	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

// SimulationLayer estimates properties from scratch: it builds the
// default workflow for each property, runs the combined batch graph on
// the compute backend, and archives the production runs for later
// reweighting.
type SimulationLayer struct {
	backend    backends.Backend
	store      *storage.Store
	workingDir string
}

func (l *SimulationLayer) Name() string { return LayerSimulation }

// storageTarget names the batch-graph protocols whose outputs describe
// a storable production run. For multi-phase workflows it points at
// the condensed-phase branch.
type storageTarget struct {
	build      string
	production string
	extract    string
	phase      domain.PropertyPhase
}

type plannedProperty struct {
	property domain.PhysicalProperty
	final    workflow.Path
	target   storageTarget
}

func (l *SimulationLayer) Estimate(ctx context.Context, batch Batch) LayerResult {
	logger := ctxlog.FromContext(ctx).With("layer", l.Name(), "substance", batch.SubstanceID)

	graph := workflow.NewGraph()
	var plan []plannedProperty
	var result LayerResult
	for _, property := range batch.Properties {
		schema, err := simulationSchema(property, batch.ForceField, batch.Options)
		if err != nil {
			result.Unestimated = append(result.Unestimated, property)
			result.Exceptions = append(result.Exceptions, PropertyException{
				PropertyID: property.ID, Layer: l.Name(), Message: err.Error()})
			continue
		}
		expanded, err := schema.Expand()
		if err == nil {
			err = graph.AddSchema(expanded, workflow.DefaultRegistry)
		}
		if err != nil {
			result.Unestimated = append(result.Unestimated, property)
			result.Exceptions = append(result.Exceptions, PropertyException{
				PropertyID: property.ID, Layer: l.Name(), Message: err.Error()})
			continue
		}
		plan = append(plan, plannedProperty{
			property: property,
			final:    expanded.FinalValue,
			target:   condensedPhaseTarget(property),
		})
	}
	if len(plan) == 0 {
		return result
	}

	taskID := uuid.NewString()
	rootDir := filepath.Join(l.workingDir, taskID)
	future, err := l.backend.Submit(ctx, backends.Task{ID: taskID, Graph: graph})
	if err != nil {
		return failBatch(result, plan, l.Name(), err.Error())
	}
	outputs, runErr := future.Wait(ctx)
	if outputs == nil {
		return failBatch(result, plan, l.Name(), runErr.Error())
	}
	if runErr != nil {
		logger.Warn("batch workflow finished with failures", "task", taskID, "error", runErr)
	}

	stored := map[string]bool{}
	for _, planned := range plan {
		resolved := workflow.Path{
			Protocol: graph.Resolve(planned.final.Protocol),
			Output:   planned.final.Output,
		}
		raw, err := outputs.Output(resolved)
		if err != nil {
			message := err.Error()
			if runErr != nil {
				message = runErr.Error()
			}
			result.Unestimated = append(result.Unestimated, planned.property)
			result.Exceptions = append(result.Exceptions, PropertyException{
				PropertyID: planned.property.ID, Layer: l.Name(), Message: message})
			continue
		}
		measurement, ok := raw.(unit.Measurement)
		if !ok {
			result.Unestimated = append(result.Unestimated, planned.property)
			result.Exceptions = append(result.Exceptions, PropertyException{
				PropertyID: planned.property.ID, Layer: l.Name(),
				Message: "workflow produced a non-measurement final value"})
			continue
		}

		estimated := planned.property
		estimated.Value = measurement.Value
		estimated.Uncertainty = measurement.Uncertainty
		estimated.Source = domain.CalculationSource{
			FidelityLayer: l.Name(),
			Provenance: map[string]string{
				"workflow": planned.property.ID,
				"task":     taskID,
			},
		}
		result.Estimated = append(result.Estimated, estimated)

		l.archiveProduction(ctx, graph, outputs, planned, batch, rootDir, stored)
	}
	return result
}

// archiveProduction saves the production run behind an estimate so the
// reweighting layer can reuse it. Archival failures are logged, never
// surfaced as property failures.
func (l *SimulationLayer) archiveProduction(ctx context.Context, graph *workflow.Graph, outputs *workflow.Result, planned plannedProperty, batch Batch, rootDir string, stored map[string]bool) {
	if l.store == nil {
		return
	}
	logger := ctxlog.FromContext(ctx)

	productionID := graph.Resolve(planned.target.production)
	if stored[productionID] {
		return
	}
	extractID := graph.Resolve(planned.target.extract)
	inefficiency, _ := outputs.Output(workflow.Path{Protocol: extractID, Output: "statistical_inefficiency"})
	samples, _ := outputs.Output(workflow.Path{Protocol: extractID, Output: "uncorrelated_sample_count"})

	buildDir := workflow.NodeDir(rootDir, graph.Resolve(planned.target.build))
	spec, err := protocols.ReadSystemSpec(filepath.Join(buildDir, "system.json"))
	if err != nil {
		logger.Warn("cannot archive production run without a system description",
			"protocol", productionID, "error", err)
		return
	}

	data := storage.StoredSimulationData{
		Substance:           planned.property.Substance,
		State:               planned.property.State,
		Phase:               planned.target.phase,
		ForceFieldID:        batch.ForceField.ID(),
		SourceCalculationID: batch.RequestID,
		NumberOfMolecules:   spec.TotalMolecules,
	}
	if v, ok := inefficiency.(float64); ok {
		data.StatisticalInefficiency = v
	}
	if v, ok := samples.(int); ok {
		data.EffectiveSamples = float64(v)
	}

	id, err := l.store.Save(ctx, data, workflow.NodeDir(rootDir, productionID))
	if err != nil {
		logger.Warn("failed to archive production run",
			"protocol", productionID, "error", err)
		return
	}
	stored[productionID] = true
	logger.Info("archived production run", "protocol", productionID, "data_id", id)
}

// condensedPhaseTarget names the liquid-phase sampling protocols of a
// property's default workflow.
func condensedPhaseTarget(p domain.PhysicalProperty) storageTarget {
	stage := stageNamer(p.ID, "")
	phase := p.Phase
	if p.Type == domain.PropertyEnthalpyOfVaporization {
		stage = stageNamer(p.ID, "liquid")
		phase = domain.PhaseLiquid
	}
	return storageTarget{
		build:      stage("build"),
		production: stage("production"),
		extract:    stage("extract"),
		phase:      phase,
	}
}

func failBatch(result LayerResult, plan []plannedProperty, layer, message string) LayerResult {
	for _, planned := range plan {
		result.Unestimated = append(result.Unestimated, planned.property)
		result.Exceptions = append(result.Exceptions, PropertyException{
			PropertyID: planned.property.ID, Layer: layer, Message: message})
	}
	return result
}
