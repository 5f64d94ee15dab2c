package protocols

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"propcore/internal/ctxlog"
	"propcore/internal/observables"
	"propcore/internal/workflow"
	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

// Ensemble names the statistical ensemble a simulation samples.
type Ensemble string

const (
	EnsembleNVT Ensemble = "NVT"
	EnsembleNPT Ensemble = "NPT"
)

// DefaultEngine is the engine binary resolved from PATH when a
// protocol does not name one explicitly.
const DefaultEngine = "md-engine"

// engineJob is the YAML job description written for the external
// engine. The engine is expected to produce trajectory.dcd,
// statistics.csv and final.json inside the working directory.
type engineJob struct {
	Task              string  `yaml:"task"`
	CoordinateFile    string  `yaml:"coordinate_file"`
	SystemFile        string  `yaml:"system_file"`
	Ensemble          string  `yaml:"ensemble,omitempty"`
	TemperatureKelvin float64 `yaml:"temperature_kelvin,omitempty"`
	PressureKPa       float64 `yaml:"pressure_kpa,omitempty"`
	Steps             int     `yaml:"steps,omitempty"`
	TimestepFs        float64 `yaml:"timestep_fs,omitempty"`
	OutputFrequency   int     `yaml:"output_frequency,omitempty"`
	ToleranceKJMol    float64 `yaml:"tolerance_kj_mol,omitempty"`
}

func runEngine(ctx context.Context, engine, dir string, job engineJob) error {
	data, err := yaml.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode engine job: %w", err)
	}
	jobPath := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(jobPath, data, 0o644); err != nil {
		return fmt.Errorf("write engine job: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, engine, jobPath)
	cmd.Dir = dir
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("engine %s: %w: %s", job.Task, err, bytes.TrimSpace(stderr.Bytes()))
		}
		return fmt.Errorf("engine %s: %w", job.Task, err)
	}
	return nil
}

// EnergyMinimisation relaxes a prepared system before production
// sampling by handing it to the external engine's minimise task.
type EnergyMinimisation struct {
	CoordinateFile string
	SystemFile     string
	Tolerance      unit.Quantity
	Engine         string
}

func init() {
	workflow.MustRegister(workflow.DefaultRegistry, "EnergyMinimisation",
		func() workflow.Protocol {
			return &EnergyMinimisation{
				Tolerance: unit.Quantity{Value: 10, Unit: unit.KilojoulePerMole},
				Engine:    DefaultEngine,
			}
		})
}

func (p *EnergyMinimisation) Type() string { return "EnergyMinimisation" }

func (p *EnergyMinimisation) Inputs() []workflow.InputDecl {
	return []workflow.InputDecl{
		{Name: "coordinate_file", Behavior: workflow.MergeExact},
		{Name: "parameterized_system", Behavior: workflow.MergeExact},
		{Name: "tolerance", Behavior: workflow.MergeExact, Optional: true},
		{Name: "engine", Behavior: workflow.MergeExact, Optional: true},
	}
}

func (p *EnergyMinimisation) SetInput(name string, value any) error {
	switch name {
	case "coordinate_file":
		return setString(&p.CoordinateFile, name, value)
	case "parameterized_system":
		return setString(&p.SystemFile, name, value)
	case "tolerance":
		q, ok := value.(unit.Quantity)
		if !ok {
			return fmt.Errorf("tolerance must be a unit.Quantity, got %T", value)
		}
		p.Tolerance = q
	case "engine":
		return setString(&p.Engine, name, value)
	default:
		return fmt.Errorf("unknown input %q", name)
	}
	return nil
}

func (p *EnergyMinimisation) Execute(ctx context.Context, dir string) (map[string]any, error) {
	if p.CoordinateFile == "" || p.SystemFile == "" {
		return nil, fmt.Errorf("energy minimisation: coordinate_file and parameterized_system are required")
	}
	if !p.Tolerance.Unit.CompatibleWith(unit.KilojoulePerMole) {
		return nil, fmt.Errorf("energy minimisation: tolerance has unit %s", p.Tolerance.Unit)
	}
	job := engineJob{
		Task:           "minimise",
		CoordinateFile: p.CoordinateFile,
		SystemFile:     p.SystemFile,
		ToleranceKJMol: p.Tolerance.SI() / unit.KilojoulePerMole.Scale(),
	}
	if err := runEngine(ctx, p.Engine, dir, job); err != nil {
		return nil, err
	}
	minimised := filepath.Join(dir, "minimised.json")
	if _, err := os.Stat(minimised); err != nil {
		return nil, fmt.Errorf("energy minimisation: engine produced no output: %w", err)
	}
	return map[string]any{"coordinate_file": minimised}, nil
}

// checkpoint records how far a production run has progressed so an
// interrupted protocol can resume instead of resampling from scratch.
type checkpoint struct {
	StepsCompleted int `yaml:"steps_completed"`
}

// RunSimulation samples a system at a thermodynamic state using the
// external engine. Repeated interrupted executions resume from the
// last checkpoint and append to the accumulated statistics.
type RunSimulation struct {
	CoordinateFile  string
	SystemFile      string
	State           domain.ThermodynamicState
	Ensemble        Ensemble
	Steps           int
	Timestep        unit.Quantity
	OutputFrequency int
	Engine          string
}

func init() {
	workflow.MustRegister(workflow.DefaultRegistry, "RunSimulation",
		func() workflow.Protocol {
			return &RunSimulation{
				Ensemble:        EnsembleNPT,
				Steps:           1000000,
				Timestep:        unit.Quantity{Value: 2, Unit: unit.Femtosecond},
				OutputFrequency: 500,
				Engine:          DefaultEngine,
			}
		})
}

func (p *RunSimulation) Type() string { return "RunSimulation" }

func (p *RunSimulation) Inputs() []workflow.InputDecl {
	return []workflow.InputDecl{
		{Name: "coordinate_file", Behavior: workflow.MergeExact},
		{Name: "parameterized_system", Behavior: workflow.MergeExact},
		{Name: "thermodynamic_state", Behavior: workflow.MergeExact},
		{Name: "ensemble", Behavior: workflow.MergeExact, Optional: true},
		{Name: "steps", Behavior: workflow.MergeLargest, Optional: true},
		{Name: "timestep", Behavior: workflow.MergeSmallest, Optional: true},
		{Name: "output_frequency", Behavior: workflow.MergeSmallest, Optional: true},
		{Name: "engine", Behavior: workflow.MergeExact, Optional: true},
	}
}

func (p *RunSimulation) SetInput(name string, value any) error {
	switch name {
	case "coordinate_file":
		return setString(&p.CoordinateFile, name, value)
	case "parameterized_system":
		return setString(&p.SystemFile, name, value)
	case "thermodynamic_state":
		s, ok := value.(domain.ThermodynamicState)
		if !ok {
			return fmt.Errorf("thermodynamic_state must be a domain.ThermodynamicState, got %T", value)
		}
		p.State = s
	case "ensemble":
		switch v := value.(type) {
		case Ensemble:
			p.Ensemble = v
		case string:
			p.Ensemble = Ensemble(v)
		default:
			return fmt.Errorf("ensemble must be a string, got %T", value)
		}
		if p.Ensemble != EnsembleNVT && p.Ensemble != EnsembleNPT {
			return fmt.Errorf("unknown ensemble %q", p.Ensemble)
		}
	case "steps":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("steps: %w", err)
		}
		p.Steps = n
	case "timestep":
		q, ok := value.(unit.Quantity)
		if !ok {
			return fmt.Errorf("timestep must be a unit.Quantity, got %T", value)
		}
		p.Timestep = q
	case "output_frequency":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("output_frequency: %w", err)
		}
		p.OutputFrequency = n
	case "engine":
		return setString(&p.Engine, name, value)
	default:
		return fmt.Errorf("unknown input %q", name)
	}
	return nil
}

func (p *RunSimulation) validate() error {
	if p.CoordinateFile == "" || p.SystemFile == "" {
		return errors.New("coordinate_file and parameterized_system are required")
	}
	if err := p.State.Validate(); err != nil {
		return err
	}
	if p.Ensemble == EnsembleNPT && !p.State.HasPressure() {
		return errors.New("NPT sampling requires a pressure")
	}
	if p.Steps <= 0 {
		return errors.New("steps must be positive")
	}
	if p.OutputFrequency <= 0 || p.OutputFrequency > p.Steps {
		return errors.New("output_frequency must be positive and no larger than steps")
	}
	if !p.Timestep.Unit.CompatibleWith(unit.Femtosecond) {
		return fmt.Errorf("timestep has unit %s", p.Timestep.Unit)
	}
	return nil
}

func (p *RunSimulation) Execute(ctx context.Context, dir string) (map[string]any, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("run simulation: %w", err)
	}
	logger := ctxlog.FromContext(ctx)

	statisticsPath := filepath.Join(dir, "statistics.csv")
	trajectoryPath := filepath.Join(dir, "trajectory.dcd")
	checkpointPath := filepath.Join(dir, "checkpoint.yaml")

	completed, err := readCheckpoint(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("run simulation: %w", err)
	}
	if completed > 0 {
		logger.Info("resuming simulation from checkpoint",
			"completed_steps", completed, "total_steps", p.Steps)
	}

	for completed < p.Steps {
		remaining := p.Steps - completed
		job := engineJob{
			Task:              "simulate",
			CoordinateFile:    p.CoordinateFile,
			SystemFile:        p.SystemFile,
			Ensemble:          string(p.Ensemble),
			TemperatureKelvin: p.State.Temperature.SI(),
			Steps:             remaining,
			TimestepFs:        p.Timestep.SI() * 1e15,
			OutputFrequency:   p.OutputFrequency,
		}
		if p.Ensemble == EnsembleNPT {
			job.PressureKPa = p.State.Pressure.SI() / unit.Kilopascal.Scale()
		}
		if err := runEngine(ctx, p.Engine, dir, job); err != nil {
			return nil, err
		}

		produced, err := observables.FromFile(filepath.Join(dir, "segment.csv"))
		if err != nil {
			return nil, fmt.Errorf("run simulation: read engine statistics: %w", err)
		}
		if err := appendStatistics(statisticsPath, produced); err != nil {
			return nil, fmt.Errorf("run simulation: %w", err)
		}

		completed += produced.Len() * p.OutputFrequency
		if err := writeCheckpoint(checkpointPath, completed); err != nil {
			return nil, fmt.Errorf("run simulation: %w", err)
		}
		if produced.Len() == 0 {
			return nil, errors.New("run simulation: engine produced an empty statistics segment")
		}
	}

	return map[string]any{
		"trajectory_file":     trajectoryPath,
		"statistics_file":     statisticsPath,
		"thermodynamic_state": p.State,
	}, nil
}

func readCheckpoint(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var cp checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return 0, fmt.Errorf("parse checkpoint: %w", err)
	}
	return cp.StepsCompleted, nil
}

func writeCheckpoint(path string, steps int) error {
	data, err := yaml.Marshal(checkpoint{StepsCompleted: steps})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// appendStatistics joins a freshly produced statistics segment onto
// the accumulated statistics file.
func appendStatistics(path string, segment *observables.Array) error {
	existing, err := observables.FromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return segment.ToFile(path)
	}
	if err != nil {
		return err
	}
	if err := existing.Join(segment); err != nil {
		return err
	}
	return existing.ToFile(path)
}

func setString(target *string, name string, value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s must be a string, got %T", name, value)
	}
	*target = s
	return nil
}
