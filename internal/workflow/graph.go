package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Node is one instantiated protocol in a graph, together with the
// resolved schema it was built from.
type Node struct {
	ID       string
	Schema   ProtocolSchema
	Protocol Protocol

	dependencies []string
	dependents   []string
}

// Dependencies returns the ids of the nodes this node reads from.
func (n *Node) Dependencies() []string { return n.dependencies }

// Graph is a validated, acyclic protocol graph ready for execution.
// Building a graph onto an existing one merges redundant protocols:
// a new node whose inputs are mergeable with an existing node's is
// replaced by the existing node, and downstream references rewritten.
type Graph struct {
	nodes map[string]*Node
	order []string

	// mergedIDs maps the id a schema declared to the id of the node
	// that now serves it, for every node folded into an equivalent one.
	mergedIDs map[string]string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node), mergedIDs: make(map[string]string)}
}

// Nodes returns the graph's nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Resolve maps a protocol id through any merges that absorbed it.
func (g *Graph) Resolve(id string) string {
	for {
		next, ok := g.mergedIDs[id]
		if !ok {
			return id
		}
		id = next
	}
}

// AddSchema instantiates every protocol of an expanded schema and adds
// it to the graph, merging equivalent protocols against nodes already
// present. Protocols are added in dependency order so that upstream
// merges are visible when downstream inputs are compared.
func (g *Graph) AddSchema(s Schema, registry *Registry) error {
	if err := s.Validate(registry); err != nil {
		return err
	}
	ordered, err := topologicalOrder(s.Protocols)
	if err != nil {
		return err
	}
	for _, schema := range ordered {
		if err := g.addProtocol(schema, registry); err != nil {
			return err
		}
	}
	return g.wire()
}

func (g *Graph) addProtocol(schema ProtocolSchema, registry *Registry) error {
	// Rewrite references through earlier merges before comparing.
	resolved := ProtocolSchema{ID: schema.ID, Type: schema.Type, Inputs: make(map[string]Value, len(schema.Inputs))}
	for name, value := range schema.Inputs {
		if value.IsRef() {
			ref := *value.Path
			ref.Protocol = g.Resolve(ref.Protocol)
			resolved.Inputs[name] = Value{Path: &ref}
		} else {
			resolved.Inputs[name] = value
		}
	}

	protocol, err := registry.New(schema.Type)
	if err != nil {
		return err
	}
	for _, existing := range g.Nodes() {
		if !canMerge(existing.Schema, resolved, existing.Protocol) {
			continue
		}
		merged, err := mergeInputs(existing.Schema, resolved, existing.Protocol)
		if err != nil {
			return err
		}
		existing.Schema = merged
		if err := applyInputs(existing.Protocol, merged); err != nil {
			return err
		}
		g.mergedIDs[schema.ID] = existing.ID
		return nil
	}

	if _, ok := g.nodes[resolved.ID]; ok {
		return fmt.Errorf("protocol id %q already present in graph", resolved.ID)
	}
	if err := applyInputs(protocol, resolved); err != nil {
		return err
	}
	g.nodes[resolved.ID] = &Node{ID: resolved.ID, Schema: resolved, Protocol: protocol}
	g.order = append(g.order, resolved.ID)
	return nil
}

// canMerge reports whether two schemas describe the same work: same
// type, and every non-mergeable input identical. Inputs declared with
// MergeLargest or MergeSmallest may differ and are reconciled later.
func canMerge(a, b ProtocolSchema, protocol Protocol) bool {
	if a.Type != b.Type {
		return false
	}
	behaviors := inputBehaviors(protocol)
	if len(a.Inputs) != len(b.Inputs) {
		return false
	}
	for name, av := range a.Inputs {
		bv, ok := b.Inputs[name]
		if !ok {
			return false
		}
		if behaviors[name] != MergeExact {
			continue
		}
		if !valuesEqual(av, bv) {
			return false
		}
	}
	return true
}

// mergeInputs reconciles the mergeable inputs of two equivalent
// schemas, keeping the larger or smaller literal as declared.
func mergeInputs(existing, incoming ProtocolSchema, protocol Protocol) (ProtocolSchema, error) {
	behaviors := inputBehaviors(protocol)
	merged := ProtocolSchema{ID: existing.ID, Type: existing.Type, Inputs: make(map[string]Value, len(existing.Inputs))}
	for name, ev := range existing.Inputs {
		iv := incoming.Inputs[name]
		switch behaviors[name] {
		case MergeExact:
			merged.Inputs[name] = ev
		case MergeLargest, MergeSmallest:
			picked, err := pickMerged(ev, iv, behaviors[name])
			if err != nil {
				return ProtocolSchema{}, fmt.Errorf("merge input %s of %s: %w", name, existing.ID, err)
			}
			merged.Inputs[name] = picked
		default:
			merged.Inputs[name] = ev
		}
	}
	return merged, nil
}

func pickMerged(a, b Value, behavior MergeBehavior) (Value, error) {
	if a.IsRef() || b.IsRef() {
		if !valuesEqual(a, b) {
			return Value{}, fmt.Errorf("cannot merge differing references")
		}
		return a, nil
	}
	af, aok := asFloat(a.Literal)
	bf, bok := asFloat(b.Literal)
	if !aok || !bok {
		if !valuesEqual(a, b) {
			return Value{}, fmt.Errorf("cannot merge non-numeric values")
		}
		return a, nil
	}
	if behavior == MergeLargest {
		if bf > af {
			return b, nil
		}
		return a, nil
	}
	if bf < af {
		return b, nil
	}
	return a, nil
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func valuesEqual(a, b Value) bool {
	if a.IsRef() != b.IsRef() {
		return false
	}
	if a.IsRef() {
		return *a.Path == *b.Path
	}
	return fmt.Sprintf("%v", a.Literal) == fmt.Sprintf("%v", b.Literal)
}

func inputBehaviors(protocol Protocol) map[string]MergeBehavior {
	out := make(map[string]MergeBehavior)
	for _, decl := range protocol.Inputs() {
		out[decl.Name] = decl.Behavior
	}
	return out
}

func applyInputs(protocol Protocol, schema ProtocolSchema) error {
	for name, value := range schema.Inputs {
		if value.IsRef() {
			continue
		}
		if err := protocol.SetInput(name, value.Literal); err != nil {
			return fmt.Errorf("protocol %s: %w", schema.ID, err)
		}
	}
	return nil
}

// wire rebuilds the dependency edges from the current schemas.
func (g *Graph) wire() error {
	for _, node := range g.nodes {
		node.dependencies = nil
		node.dependents = nil
	}
	for _, id := range g.order {
		node := g.nodes[id]
		seen := make(map[string]bool)
		for _, value := range node.Schema.Inputs {
			if !value.IsRef() {
				continue
			}
			dep := g.Resolve(value.Path.Protocol)
			if dep == node.ID {
				return fmt.Errorf("protocol %s references itself", node.ID)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			upstream, ok := g.nodes[dep]
			if !ok {
				return fmt.Errorf("protocol %s references unknown protocol %q", node.ID, dep)
			}
			node.dependencies = append(node.dependencies, dep)
			upstream.dependents = append(upstream.dependents, node.ID)
		}
		sort.Strings(node.dependencies)
	}
	return g.checkAcyclic()
}

func (g *Graph) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.nodes))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("protocol graph contains a cycle through %q", id)
		}
		state[id] = visiting
		for _, dep := range g.nodes[id].dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, id := range g.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// topologicalOrder orders schemas so every protocol appears after its
// in-schema dependencies.
func topologicalOrder(schemas []ProtocolSchema) ([]ProtocolSchema, error) {
	byID := make(map[string]ProtocolSchema, len(schemas))
	for _, s := range schemas {
		byID[s.ID] = s
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(schemas))
	var out []ProtocolSchema
	var visit func(s ProtocolSchema) error
	visit = func(s ProtocolSchema) error {
		switch state[s.ID] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("protocol graph contains a cycle through %q", s.ID)
		}
		state[s.ID] = visiting
		// Deterministic traversal over map-typed inputs.
		names := make([]string, 0, len(s.Inputs))
		for name := range s.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			value := s.Inputs[name]
			if !value.IsRef() {
				continue
			}
			dep, ok := byID[value.Path.Protocol]
			if !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[s.ID] = done
		out = append(out, s)
		return nil
	}
	for _, s := range schemas {
		if err := visit(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}
