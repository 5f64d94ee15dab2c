package protocols

import (
	"context"
	"fmt"

	"propcore/internal/ctxlog"
	"propcore/internal/observables"
	"propcore/internal/workflow"
	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

// ExtractAverageObservable turns the timeseries of one observable
// into an equilibrated, decorrelated mean with a bootstrapped
// uncertainty.
type ExtractAverageObservable struct {
	StatisticsFile string
	Observable     observables.ObservableType
	BootstrapIters int
	Seed           uint64
}

func init() {
	workflow.MustRegister(workflow.DefaultRegistry, "ExtractAverageObservable",
		func() workflow.Protocol {
			return &ExtractAverageObservable{BootstrapIters: 200, Seed: 1}
		})
}

func (p *ExtractAverageObservable) Type() string { return "ExtractAverageObservable" }

func (p *ExtractAverageObservable) Inputs() []workflow.InputDecl {
	return []workflow.InputDecl{
		{Name: "statistics_file", Behavior: workflow.MergeExact},
		{Name: "observable", Behavior: workflow.MergeExact},
		{Name: "bootstrap_iterations", Behavior: workflow.MergeLargest, Optional: true},
		{Name: "seed", Behavior: workflow.MergeExact, Optional: true},
	}
}

func (p *ExtractAverageObservable) SetInput(name string, value any) error {
	switch name {
	case "statistics_file":
		return setString(&p.StatisticsFile, name, value)
	case "observable":
		switch v := value.(type) {
		case observables.ObservableType:
			p.Observable = v
		case string:
			p.Observable = observables.ObservableType(v)
		default:
			return fmt.Errorf("observable must be a string, got %T", value)
		}
	case "bootstrap_iterations":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("bootstrap_iterations: %w", err)
		}
		p.BootstrapIters = n
	case "seed":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		p.Seed = uint64(n)
	default:
		return fmt.Errorf("unknown input %q", name)
	}
	return nil
}

func (p *ExtractAverageObservable) Execute(ctx context.Context, dir string) (map[string]any, error) {
	if p.StatisticsFile == "" || p.Observable == "" {
		return nil, fmt.Errorf("extract average: statistics_file and observable are required")
	}
	array, err := observables.FromFile(p.StatisticsFile)
	if err != nil {
		return nil, fmt.Errorf("extract average: %w", err)
	}
	series, ok := array.Get(p.Observable)
	if !ok {
		return nil, fmt.Errorf("extract average: statistics have no %s column", p.Observable)
	}

	equilibration := observables.DetectEquilibration(series)
	indices := observables.Subsample(len(series), equilibration.StartIndex, equilibration.Inefficiency)
	decorrelated := make([]float64, len(indices))
	for i, index := range indices {
		decorrelated[i] = series[index]
	}

	mean, uncertainty, err := observables.BootstrapMean(decorrelated, p.BootstrapIters, p.Seed)
	if err != nil {
		return nil, fmt.Errorf("extract average: %w", err)
	}
	columnUnit := observables.Unit(p.Observable)
	value, err := unit.NewMeasurement(
		unit.Quantity{Value: mean, Unit: columnUnit},
		unit.Quantity{Value: uncertainty, Unit: columnUnit},
	)
	if err != nil {
		return nil, fmt.Errorf("extract average: %w", err)
	}

	ctxlog.FromContext(ctx).Debug("extracted average observable",
		"observable", string(p.Observable),
		"equilibration_index", equilibration.StartIndex,
		"inefficiency", equilibration.Inefficiency,
		"uncorrelated_samples", len(indices))

	return map[string]any{
		"value":                     value,
		"equilibration_index":       equilibration.StartIndex,
		"statistical_inefficiency":  equilibration.Inefficiency,
		"uncorrelated_indices":      indices,
		"uncorrelated_sample_count": len(indices),
	}, nil
}

// ReweightObservable estimates an observable at a target state from
// frames sampled at a reference state, using single-state Zwanzig
// reweighting over reduced potentials.
type ReweightObservable struct {
	StatisticsFile           string
	Observable               observables.ObservableType
	TargetState              domain.ThermodynamicState
	RequiredEffectiveSamples float64
	BootstrapIters           int
	Seed                     uint64
}

func init() {
	workflow.MustRegister(workflow.DefaultRegistry, "ReweightObservable",
		func() workflow.Protocol {
			return &ReweightObservable{RequiredEffectiveSamples: 50, BootstrapIters: 200, Seed: 1}
		})
}

func (p *ReweightObservable) Type() string { return "ReweightObservable" }

func (p *ReweightObservable) Inputs() []workflow.InputDecl {
	return []workflow.InputDecl{
		{Name: "statistics_file", Behavior: workflow.MergeExact},
		{Name: "observable", Behavior: workflow.MergeExact},
		{Name: "target_state", Behavior: workflow.MergeExact},
		{Name: "required_effective_samples", Behavior: workflow.MergeLargest, Optional: true},
		{Name: "bootstrap_iterations", Behavior: workflow.MergeLargest, Optional: true},
		{Name: "seed", Behavior: workflow.MergeExact, Optional: true},
	}
}

func (p *ReweightObservable) SetInput(name string, value any) error {
	switch name {
	case "statistics_file":
		return setString(&p.StatisticsFile, name, value)
	case "observable":
		switch v := value.(type) {
		case observables.ObservableType:
			p.Observable = v
		case string:
			p.Observable = observables.ObservableType(v)
		default:
			return fmt.Errorf("observable must be a string, got %T", value)
		}
	case "target_state":
		s, ok := value.(domain.ThermodynamicState)
		if !ok {
			return fmt.Errorf("target_state must be a domain.ThermodynamicState, got %T", value)
		}
		p.TargetState = s
	case "required_effective_samples":
		switch v := value.(type) {
		case float64:
			p.RequiredEffectiveSamples = v
		case int:
			p.RequiredEffectiveSamples = float64(v)
		default:
			return fmt.Errorf("required_effective_samples must be a number, got %T", value)
		}
	case "bootstrap_iterations":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("bootstrap_iterations: %w", err)
		}
		p.BootstrapIters = n
	case "seed":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		p.Seed = uint64(n)
	default:
		return fmt.Errorf("unknown input %q", name)
	}
	return nil
}

func (p *ReweightObservable) Execute(ctx context.Context, dir string) (map[string]any, error) {
	if p.StatisticsFile == "" || p.Observable == "" {
		return nil, fmt.Errorf("reweight: statistics_file and observable are required")
	}
	if err := p.TargetState.Validate(); err != nil {
		return nil, fmt.Errorf("reweight: target state: %w", err)
	}
	array, err := observables.FromFile(p.StatisticsFile)
	if err != nil {
		return nil, fmt.Errorf("reweight: %w", err)
	}
	series, ok := array.Get(p.Observable)
	if !ok {
		return nil, fmt.Errorf("reweight: statistics have no %s column", p.Observable)
	}
	referenceReduced, ok := array.Get(observables.ReducedPotential)
	if !ok {
		return nil, fmt.Errorf("reweight: statistics have no %s column", observables.ReducedPotential)
	}
	potentials, ok := array.Get(observables.PotentialEnergy)
	if !ok {
		return nil, fmt.Errorf("reweight: statistics have no %s column", observables.PotentialEnergy)
	}
	var volumes []float64
	if p.TargetState.HasPressure() {
		volumes, ok = array.Get(observables.Volume)
		if !ok {
			return nil, fmt.Errorf("reweight: statistics have no %s column", observables.Volume)
		}
	}
	targetReduced, err := observables.ReducedPotentials(p.TargetState, potentials, volumes)
	if err != nil {
		return nil, fmt.Errorf("reweight: %w", err)
	}

	mean, effectiveSamples, err := observables.ReweightedMean(series, referenceReduced, targetReduced)
	if err != nil {
		return nil, fmt.Errorf("reweight: %w", err)
	}
	if effectiveSamples < p.RequiredEffectiveSamples {
		return nil, fmt.Errorf("reweight: only %.1f effective samples, need %.1f",
			effectiveSamples, p.RequiredEffectiveSamples)
	}

	// Bootstrap the uncertainty over the reweighted estimator.
	uncertainty, err := observables.BootstrapReweightedMean(series, referenceReduced, targetReduced, p.BootstrapIters, p.Seed)
	if err != nil {
		return nil, fmt.Errorf("reweight: %w", err)
	}
	columnUnit := observables.Unit(p.Observable)
	value, err := unit.NewMeasurement(
		unit.Quantity{Value: mean, Unit: columnUnit},
		unit.Quantity{Value: uncertainty, Unit: columnUnit},
	)
	if err != nil {
		return nil, fmt.Errorf("reweight: %w", err)
	}

	return map[string]any{
		"value":             value,
		"effective_samples": effectiveSamples,
	}, nil
}
