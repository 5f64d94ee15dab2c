package protocols

import (
	"context"
	"fmt"
	"path/filepath"

	"propcore/internal/forcefield"
	"propcore/internal/workflow"
)

// AssignForceField pairs a prepared system with a force field by
// validating the force-field payload against the system's parameter
// coverage and writing both into the protocol directory for the
// engine to consume.
type AssignForceField struct {
	ForceFieldSource *forcefield.Source
	CoordinateFile   string
}

func init() {
	workflow.MustRegister(workflow.DefaultRegistry, "AssignForceField",
		func() workflow.Protocol { return &AssignForceField{} })
}

func (p *AssignForceField) Type() string { return "AssignForceField" }

func (p *AssignForceField) Inputs() []workflow.InputDecl {
	return []workflow.InputDecl{
		{Name: "force_field", Behavior: workflow.MergeExact},
		{Name: "coordinate_file", Behavior: workflow.MergeExact},
	}
}

func (p *AssignForceField) SetInput(name string, value any) error {
	switch name {
	case "force_field":
		switch v := value.(type) {
		case *forcefield.Source:
			p.ForceFieldSource = v
		case []byte:
			p.ForceFieldSource = forcefield.NewSource(v)
		case string:
			source, err := forcefield.FromPath(v)
			if err != nil {
				return fmt.Errorf("force_field: %w", err)
			}
			p.ForceFieldSource = source
		default:
			return fmt.Errorf("force_field must be a source, payload or path, got %T", value)
		}
	case "coordinate_file":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("coordinate_file must be a string, got %T", value)
		}
		p.CoordinateFile = s
	default:
		return fmt.Errorf("unknown input %q", name)
	}
	return nil
}

func (p *AssignForceField) Execute(ctx context.Context, dir string) (map[string]any, error) {
	if p.ForceFieldSource == nil {
		return nil, fmt.Errorf("assign force field: force_field not set")
	}
	if p.CoordinateFile == "" {
		return nil, fmt.Errorf("assign force field: coordinate_file not set")
	}
	ff, err := p.ForceFieldSource.ForceField()
	if err != nil {
		return nil, fmt.Errorf("assign force field: %w", err)
	}
	spec, err := ReadSystemSpec(p.CoordinateFile)
	if err != nil {
		return nil, fmt.Errorf("assign force field: %w", err)
	}
	for _, component := range spec.Substance.Components() {
		elements, err := HeavyElements(component.SMILES)
		if err != nil {
			return nil, fmt.Errorf("assign force field: %w", err)
		}
		for _, element := range elements {
			if !ff.CoversElement(element) {
				return nil, fmt.Errorf("assign force field: no vdW parameters for %s in component %s",
					element, component.SMILES)
			}
		}
	}

	systemPath := filepath.Join(dir, "system.offxml")
	if err := p.ForceFieldSource.WriteTo(systemPath); err != nil {
		return nil, fmt.Errorf("assign force field: %w", err)
	}
	return map[string]any{
		"parameterized_system": systemPath,
		"force_field_id":       p.ForceFieldSource.ID(),
	}, nil
}
