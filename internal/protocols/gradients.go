package protocols

import (
	"context"
	"fmt"

	"propcore/internal/workflow"
	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

// CentralDifferenceGradient computes the derivative of an observable
// with respect to a force-field parameter from evaluations at
// perturbed parameter values: (forward - reverse) / (pf - pr).
type CentralDifferenceGradient struct {
	Key              domain.ParameterGradientKey
	ForwardValue     unit.Quantity
	ReverseValue     unit.Quantity
	ForwardParameter unit.Quantity
	ReverseParameter unit.Quantity

	haveForward, haveReverse   bool
	haveForwardP, haveReverseP bool
}

func init() {
	workflow.MustRegister(workflow.DefaultRegistry, "CentralDifferenceGradient",
		func() workflow.Protocol { return &CentralDifferenceGradient{} })
}

func (p *CentralDifferenceGradient) Type() string { return "CentralDifferenceGradient" }

func (p *CentralDifferenceGradient) Inputs() []workflow.InputDecl {
	return []workflow.InputDecl{
		{Name: "parameter_key", Behavior: workflow.MergeExact},
		{Name: "forward_value", Behavior: workflow.MergeExact},
		{Name: "reverse_value", Behavior: workflow.MergeExact},
		{Name: "forward_parameter", Behavior: workflow.MergeExact},
		{Name: "reverse_parameter", Behavior: workflow.MergeExact},
	}
}

func asQuantity(value any) (unit.Quantity, error) {
	switch v := value.(type) {
	case unit.Quantity:
		return v, nil
	case unit.Measurement:
		return v.Value, nil
	}
	return unit.Quantity{}, fmt.Errorf("expected a quantity, got %T", value)
}

func (p *CentralDifferenceGradient) SetInput(name string, value any) error {
	switch name {
	case "parameter_key":
		k, ok := value.(domain.ParameterGradientKey)
		if !ok {
			return fmt.Errorf("parameter_key must be a domain.ParameterGradientKey, got %T", value)
		}
		p.Key = k
	case "forward_value", "reverse_value", "forward_parameter", "reverse_parameter":
		q, err := asQuantity(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		switch name {
		case "forward_value":
			p.ForwardValue, p.haveForward = q, true
		case "reverse_value":
			p.ReverseValue, p.haveReverse = q, true
		case "forward_parameter":
			p.ForwardParameter, p.haveForwardP = q, true
		case "reverse_parameter":
			p.ReverseParameter, p.haveReverseP = q, true
		}
	default:
		return fmt.Errorf("unknown input %q", name)
	}
	return nil
}

func (p *CentralDifferenceGradient) Execute(ctx context.Context, dir string) (map[string]any, error) {
	if !p.haveForward || !p.haveReverse || !p.haveForwardP || !p.haveReverseP {
		return nil, fmt.Errorf("central difference: all four evaluations are required")
	}
	numerator, err := p.ForwardValue.Sub(p.ReverseValue)
	if err != nil {
		return nil, fmt.Errorf("central difference: %w", err)
	}
	denominator, err := p.ForwardParameter.Sub(p.ReverseParameter)
	if err != nil {
		return nil, fmt.Errorf("central difference: %w", err)
	}
	if denominator.Value == 0 {
		return nil, fmt.Errorf("central difference: forward and reverse parameters are equal")
	}
	gradient := domain.ParameterGradient{
		Key:   p.Key,
		Value: numerator.Div(denominator),
	}
	return map[string]any{"gradient": gradient}, nil
}
