package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"propcore/internal/backends"
	"propcore/internal/forcefield"
	"propcore/internal/storage"
	"propcore/pkg/domain"
)

// Built-in calculation layer names.
const (
	LayerSimulation  = "SimulationLayer"
	LayerReweighting = "ReweightingLayer"
)

// Batch groups the properties of one request that share a substance.
// Layers operate on batches so that equivalent simulation work for
// different properties of the same substance merges into one workflow.
type Batch struct {
	// RequestID identifies the owning request; working directories and
	// provenance records are keyed by it.
	RequestID string
	// SubstanceID is the identifier shared by every property in the
	// batch.
	SubstanceID  string
	Properties   []domain.PhysicalProperty
	ForceField   *forcefield.Source
	Options      RequestOptions
	GradientKeys []domain.ParameterGradientKey
}

// LayerResult partitions a batch after one layer has run. Properties
// in Unestimated fall through to the next layer in the chain.
type LayerResult struct {
	Estimated   []domain.PhysicalProperty
	Unestimated []domain.PhysicalProperty
	Exceptions  []PropertyException
}

// CalculationLayer is one strategy for estimating a batch of
// properties. Implementations must treat per-property failures as
// data: record an exception and report the property unestimated,
// never fail the whole batch.
type CalculationLayer interface {
	Name() string
	Estimate(ctx context.Context, batch Batch) LayerResult
}

// LayerDependencies carries the shared infrastructure layers draw on.
type LayerDependencies struct {
	Backend    backends.Backend
	Storage    *storage.Store
	WorkingDir string
}

// LayerFactory builds a layer bound to the service's infrastructure.
type LayerFactory func(deps LayerDependencies) CalculationLayer

var (
	layerMu        sync.RWMutex
	layerFactories = map[string]LayerFactory{}
)

// RegisterLayer makes a layer available by name in request options.
func RegisterLayer(name string, factory LayerFactory) error {
	layerMu.Lock()
	defer layerMu.Unlock()
	if _, ok := layerFactories[name]; ok {
		return fmt.Errorf("calculation layer %q already registered", name)
	}
	layerFactories[name] = factory
	return nil
}

// NewLayer instantiates a registered layer.
func NewLayer(name string, deps LayerDependencies) (CalculationLayer, error) {
	layerMu.RLock()
	factory, ok := layerFactories[name]
	layerMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown calculation layer %q", name)
	}
	return factory(deps), nil
}

// LayerNames lists the registered layers in sorted order.
func LayerNames() []string {
	layerMu.RLock()
	defer layerMu.RUnlock()
	names := make([]string, 0, len(layerFactories))
	for name := range layerFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	if err := RegisterLayer(LayerSimulation, func(deps LayerDependencies) CalculationLayer {
		return &SimulationLayer{backend: deps.Backend, store: deps.Storage, workingDir: deps.WorkingDir}
	}); err != nil {
		panic(err)
	}
	if err := RegisterLayer(LayerReweighting, func(deps LayerDependencies) CalculationLayer {
		return &ReweightingLayer{store: deps.Storage, workingDir: deps.WorkingDir}
	}); err != nil {
		panic(err)
	}
}
