package core

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"propcore/internal/ctxlog"
	"propcore/internal/observables"
	"propcore/internal/protocols"
	"propcore/internal/storage"
	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

// ReweightingLayer estimates properties from cached production runs by
// reweighting their frames to the requested state. Properties with no
// compatible cached data, or whose reweighted estimate carries too few
// effective samples, fall through to the next layer untouched.
type ReweightingLayer struct {
	store      *storage.Store
	workingDir string
}

func (l *ReweightingLayer) Name() string { return LayerReweighting }

// reweightObservable maps a property type onto the statistics column
// its reweighted estimate averages. Types whose default workflow
// combines several phases cannot be reweighted from a single cached
// run.
func reweightObservable(t domain.PropertyType) (observables.ObservableType, bool) {
	switch t {
	case domain.PropertyDensity:
		return observables.Density, true
	default:
		return "", false
	}
}

func (l *ReweightingLayer) Estimate(ctx context.Context, batch Batch) LayerResult {
	logger := ctxlog.FromContext(ctx).With("layer", l.Name(), "substance", batch.SubstanceID)

	var result LayerResult
	if l.store == nil {
		result.Unestimated = batch.Properties
		return result
	}
	for _, property := range batch.Properties {
		observable, ok := reweightObservable(property.Type)
		if !ok {
			result.Unestimated = append(result.Unestimated, property)
			continue
		}
		candidates, err := l.store.Retrieve(ctx, storage.Query{
			SubstanceIdentifier: batch.SubstanceID,
			ForceFieldID:        batch.ForceField.ID(),
			Phase:               property.Phase,
			State:               &property.State,
		})
		if err != nil {
			result.Unestimated = append(result.Unestimated, property)
			result.Exceptions = append(result.Exceptions, PropertyException{
				PropertyID: property.ID, Layer: l.Name(), Message: err.Error()})
			continue
		}
		if len(candidates) == 0 {
			logger.Debug("no cached data for property", "property", property.ID)
			result.Unestimated = append(result.Unestimated, property)
			continue
		}

		estimated, ok := l.reweightProperty(ctx, property, observable, candidates, batch.Options)
		if ok {
			result.Estimated = append(result.Estimated, estimated)
		} else {
			result.Unestimated = append(result.Unestimated, property)
		}
	}
	return result
}

// reweightProperty tries each candidate run in turn until one yields
// an estimate with enough effective samples.
func (l *ReweightingLayer) reweightProperty(ctx context.Context, property domain.PhysicalProperty, observable observables.ObservableType, candidates []storage.StoredSimulationData, opts RequestOptions) (domain.PhysicalProperty, bool) {
	logger := ctxlog.FromContext(ctx)

	for _, candidate := range candidates {
		dir := filepath.Join(l.workingDir, "reweighting", uuid.NewString())
		if _, err := l.store.Fetch(ctx, candidate.ID, dir); err != nil {
			logger.Warn("failed to fetch cached data", "data_id", candidate.ID, "error", err)
			continue
		}

		reweight := &protocols.ReweightObservable{
			StatisticsFile:           filepath.Join(dir, "statistics.csv"),
			Observable:               observable,
			TargetState:              property.State,
			RequiredEffectiveSamples: opts.RequiredEffectiveSamples,
			BootstrapIters:           200,
			Seed:                     1,
		}
		outputs, err := reweight.Execute(ctx, dir)
		os.RemoveAll(dir)
		if err != nil {
			logger.Debug("reweighting rejected cached data",
				"data_id", candidate.ID, "property", property.ID, "error", err)
			continue
		}
		measurement, ok := outputs["value"].(unit.Measurement)
		if !ok {
			continue
		}

		estimated := property
		estimated.Value = measurement.Value
		estimated.Uncertainty = measurement.Uncertainty
		estimated.Source = domain.CalculationSource{
			FidelityLayer: l.Name(),
			Provenance:    map[string]string{"data_id": candidate.ID},
		}
		return estimated, true
	}
	return domain.PhysicalProperty{}, false
}
