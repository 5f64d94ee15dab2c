// Package workflow implements the protocol graph: declarative schemas,
// dependency resolution, provenance-preserving protocol merging and the
// concurrent graph executor.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MergeBehavior controls how an input participates in protocol merging.
// Inputs default to exact equality; numeric inputs may instead resolve
// to the largest or smallest of the two candidate values, letting two
// simulations with different lengths collapse into the longer one.
type MergeBehavior int

// Merge behaviors.
const (
	MergeExact MergeBehavior = iota
	MergeLargest
	MergeSmallest
)

// InputDecl describes one protocol input.
type InputDecl struct {
	Name     string
	Behavior MergeBehavior
	Optional bool
}

// Protocol is a single executable workflow step. Implementations are
// constructed per execution via their registered factory, receive their
// inputs, and produce named outputs.
type Protocol interface {
	// Type returns the registered protocol type name.
	Type() string
	// Inputs declares the accepted input names and merge behaviors.
	Inputs() []InputDecl
	// SetInput assigns one input value prior to execution.
	SetInput(name string, value any) error
	// Execute runs the protocol in the given scratch directory and
	// returns its named outputs.
	Execute(ctx context.Context, dir string) (map[string]any, error)
}

// Factory constructs a fresh protocol instance.
type Factory func() Protocol

// Registry maps protocol type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry builds an empty protocol registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory; re-registering a type name is rejected so
// that plugins cannot silently shadow one another.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("protocol type %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New instantiates a protocol by type name.
func (r *Registry) New(name string) (Protocol, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown protocol type %q", name)
	}
	return factory(), nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry holds the protocol types registered at package init
// time by the concrete protocol implementations.
var DefaultRegistry = NewRegistry()

// MustRegister registers a protocol factory and panics on conflicts;
// intended for init-time registration.
func MustRegister(r *Registry, name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}
