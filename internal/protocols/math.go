package protocols

import (
	"context"
	"fmt"
	"math"

	"propcore/internal/workflow"
	"propcore/pkg/unit"
)

// SubtractValues computes minuend - subtrahend for two measurements
// with compatible units, propagating their uncertainties in
// quadrature. Multi-branch workflows use it to combine per-phase
// averages into a single estimate.
type SubtractValues struct {
	Minuend       unit.Measurement
	Subtrahend    unit.Measurement
	haveMinuend   bool
	haveSubtrahnd bool
}

func init() {
	workflow.MustRegister(workflow.DefaultRegistry, "SubtractValues",
		func() workflow.Protocol { return &SubtractValues{} })
}

func (p *SubtractValues) Type() string { return "SubtractValues" }

func (p *SubtractValues) Inputs() []workflow.InputDecl {
	return []workflow.InputDecl{
		{Name: "minuend", Behavior: workflow.MergeExact},
		{Name: "subtrahend", Behavior: workflow.MergeExact},
	}
}

func asMeasurement(value any) (unit.Measurement, error) {
	switch v := value.(type) {
	case unit.Measurement:
		return v, nil
	case unit.Quantity:
		return unit.Measurement{Value: v, Uncertainty: unit.Quantity{Unit: v.Unit}}, nil
	}
	return unit.Measurement{}, fmt.Errorf("expected a measurement, got %T", value)
}

func (p *SubtractValues) SetInput(name string, value any) error {
	m, err := asMeasurement(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	switch name {
	case "minuend":
		p.Minuend, p.haveMinuend = m, true
	case "subtrahend":
		p.Subtrahend, p.haveSubtrahnd = m, true
	default:
		return fmt.Errorf("unknown input %q", name)
	}
	return nil
}

func (p *SubtractValues) Execute(ctx context.Context, dir string) (map[string]any, error) {
	if !p.haveMinuend || !p.haveSubtrahnd {
		return nil, fmt.Errorf("subtract: both operands are required")
	}
	difference, err := p.Minuend.Value.Sub(p.Subtrahend.Value)
	if err != nil {
		return nil, fmt.Errorf("subtract: %w", err)
	}
	subtrahendUncertainty, err := p.Subtrahend.Uncertainty.Convert(p.Minuend.Uncertainty.Unit)
	if err != nil {
		return nil, fmt.Errorf("subtract: %w", err)
	}
	uncertainty := unit.Quantity{
		Value: math.Hypot(p.Minuend.Uncertainty.Value, subtrahendUncertainty.Value),
		Unit:  p.Minuend.Uncertainty.Unit,
	}
	value, err := unit.NewMeasurement(difference, uncertainty)
	if err != nil {
		return nil, fmt.Errorf("subtract: %w", err)
	}
	return map[string]any{"value": value}, nil
}
