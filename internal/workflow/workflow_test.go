package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// addProtocol sums a literal operand with an optional upstream value.
type addProtocol struct {
	operand float64
	base    float64
	fail    bool

	mu    *sync.Mutex
	trace *[]string
	id    string
}

func (p *addProtocol) Type() string { return "test.add" }

func (p *addProtocol) Inputs() []InputDecl {
	return []InputDecl{
		{Name: "operand", Behavior: MergeExact},
		{Name: "base", Behavior: MergeExact, Optional: true},
		{Name: "fail", Behavior: MergeExact, Optional: true},
	}
}

func (p *addProtocol) SetInput(name string, value any) error {
	switch name {
	case "operand":
		f, ok := value.(float64)
		if !ok {
			return fmt.Errorf("operand must be a number")
		}
		p.operand = f
	case "base":
		f, ok := value.(float64)
		if !ok {
			return fmt.Errorf("base must be a number")
		}
		p.base = f
	case "fail":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("fail must be a bool")
		}
		p.fail = b
	default:
		return fmt.Errorf("unknown input %q", name)
	}
	return nil
}

func (p *addProtocol) Execute(ctx context.Context, dir string) (map[string]any, error) {
	if p.fail {
		return nil, errors.New("deliberate failure")
	}
	if p.trace != nil {
		p.mu.Lock()
		*p.trace = append(*p.trace, p.id)
		p.mu.Unlock()
	}
	return map[string]any{"result": p.base + p.operand}, nil
}

// simProtocol mimics a production run whose length merges to the
// largest request and whose interval merges to the smallest.
type simProtocol struct {
	steps    float64
	interval float64
	substance string
}

func (p *simProtocol) Type() string { return "test.simulate" }

func (p *simProtocol) Inputs() []InputDecl {
	return []InputDecl{
		{Name: "substance", Behavior: MergeExact},
		{Name: "steps", Behavior: MergeLargest},
		{Name: "interval", Behavior: MergeSmallest},
	}
}

func (p *simProtocol) SetInput(name string, value any) error {
	switch name {
	case "substance":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("substance must be a string")
		}
		p.substance = s
	case "steps":
		f, ok := value.(float64)
		if !ok {
			return fmt.Errorf("steps must be a number")
		}
		p.steps = f
	case "interval":
		f, ok := value.(float64)
		if !ok {
			return fmt.Errorf("interval must be a number")
		}
		p.interval = f
	default:
		return fmt.Errorf("unknown input %q", name)
	}
	return nil
}

func (p *simProtocol) Execute(ctx context.Context, dir string) (map[string]any, error) {
	return map[string]any{"steps": p.steps, "interval": p.interval}, nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	if err := registry.Register("test.add", func() Protocol { return &addProtocol{} }); err != nil {
		t.Fatalf("register add: %v", err)
	}
	if err := registry.Register("test.simulate", func() Protocol { return &simProtocol{} }); err != nil {
		t.Fatalf("register simulate: %v", err)
	}
	return registry
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := testRegistry(t)
	if err := registry.Register("test.add", func() Protocol { return &addProtocol{} }); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if _, err := registry.New("test.unknown"); err == nil {
		t.Fatal("expected unknown type to fail")
	}
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath("build.coordinates.file")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Protocol != "build.coordinates" || p.Output != "file" {
		t.Fatalf("unexpected path %+v", p)
	}
	for _, bad := range []string{"", "noseparator", ".leading", "trailing."} {
		if _, err := ParsePath(bad); err == nil {
			t.Fatalf("expected %q to fail", bad)
		}
	}
}

func TestSchemaValidate(t *testing.T) {
	registry := testRegistry(t)
	schema := Schema{
		ID: "w1",
		Protocols: []ProtocolSchema{
			{ID: "a", Type: "test.add", Inputs: map[string]Value{"operand": Literal(1.0)}},
			{ID: "b", Type: "test.add", Inputs: map[string]Value{
				"operand": Literal(2.0),
				"base":    Ref("a", "result"),
			}},
		},
		FinalValue: Path{Protocol: "b", Output: "result"},
	}
	if err := schema.Validate(registry); err != nil {
		t.Fatalf("validate: %v", err)
	}

	schema.Protocols[1].Inputs["base"] = Ref("missing", "result")
	if err := schema.Validate(registry); err == nil {
		t.Fatal("expected dangling reference to fail validation")
	}
}

func TestSchemaJSONRoundTrip(t *testing.T) {
	schema := Schema{
		ID: "w1",
		Protocols: []ProtocolSchema{
			{ID: "a", Type: "test.add", Inputs: map[string]Value{"operand": Literal(1.5)}},
			{ID: "b", Type: "test.add", Inputs: map[string]Value{"base": Ref("a", "result"), "operand": Literal(2.0)}},
		},
		FinalValue: Path{Protocol: "b", Output: "result"},
		Gradients:  []Path{{Protocol: "a", Output: "result"}},
	}
	data, err := schema.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored Schema
	if err := restored.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.FinalValue != schema.FinalValue {
		t.Fatalf("final value got %v want %v", restored.FinalValue, schema.FinalValue)
	}
	if len(restored.Gradients) != 1 || restored.Gradients[0] != schema.Gradients[0] {
		t.Fatalf("gradients got %v", restored.Gradients)
	}
	base := restored.Protocols[1].Inputs["base"]
	if !base.IsRef() || base.Path.Protocol != "a" {
		t.Fatalf("reference not restored: %+v", base)
	}
}

func TestReplicatorExpansion(t *testing.T) {
	schema := Schema{
		ID: "w1",
		Protocols: []ProtocolSchema{
			{ID: "seed", Type: "test.add", Inputs: map[string]Value{"operand": Literal(1.0)}},
			{ID: "add_$(n)", Type: "test.add", Inputs: map[string]Value{
				"operand": Literal(ReplicatedValue{}),
				"base":    Ref("seed", "result"),
			}},
		},
		Replicators: []Replicator{{Placeholder: "$(n)", Values: []any{10.0, 20.0, 30.0}}},
		FinalValue:  Path{Protocol: "seed", Output: "result"},
		Gradients:   []Path{{Protocol: "add_$(n)", Output: "result"}},
	}
	expanded, err := schema.Expand()
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(expanded.Protocols) != 4 {
		t.Fatalf("expected 4 protocols, got %d", len(expanded.Protocols))
	}
	if len(expanded.Replicators) != 0 {
		t.Fatal("expanded schema should have no replicators left")
	}
	if len(expanded.Gradients) != 3 {
		t.Fatalf("expected 3 gradient paths, got %d", len(expanded.Gradients))
	}
	var replica *ProtocolSchema
	for i := range expanded.Protocols {
		if expanded.Protocols[i].ID == "add_1" {
			replica = &expanded.Protocols[i]
		}
	}
	if replica == nil {
		t.Fatal("replica add_1 not found")
	}
	if replica.Inputs["operand"].Literal != 20.0 {
		t.Fatalf("replica operand got %v want 20", replica.Inputs["operand"].Literal)
	}
	if !replica.Inputs["base"].IsRef() || replica.Inputs["base"].Path.Protocol != "seed" {
		t.Fatalf("replica base reference lost: %+v", replica.Inputs["base"])
	}
}

func TestGraphMergesEquivalentProtocols(t *testing.T) {
	registry := testRegistry(t)
	graph := NewGraph()

	first := Schema{
		ID: "density",
		Protocols: []ProtocolSchema{
			{ID: "density.simulate", Type: "test.simulate", Inputs: map[string]Value{
				"substance": Literal("CCO"),
				"steps":     Literal(1000000.0),
				"interval":  Literal(500.0),
			}},
		},
		FinalValue: Path{Protocol: "density.simulate", Output: "steps"},
	}
	second := Schema{
		ID: "dielectric",
		Protocols: []ProtocolSchema{
			{ID: "dielectric.simulate", Type: "test.simulate", Inputs: map[string]Value{
				"substance": Literal("CCO"),
				"steps":     Literal(2000000.0),
				"interval":  Literal(250.0),
			}},
		},
		FinalValue: Path{Protocol: "dielectric.simulate", Output: "steps"},
	}
	if err := graph.AddSchema(first, registry); err != nil {
		t.Fatalf("add first: %v", err)
	}
	if err := graph.AddSchema(second, registry); err != nil {
		t.Fatalf("add second: %v", err)
	}

	if len(graph.Nodes()) != 1 {
		t.Fatalf("expected merged graph of 1 node, got %d", len(graph.Nodes()))
	}
	if got := graph.Resolve("dielectric.simulate"); got != "density.simulate" {
		t.Fatalf("merged id resolves to %q", got)
	}
	node := graph.Nodes()[0]
	sim := node.Protocol.(*simProtocol)
	if sim.steps != 2000000 {
		t.Fatalf("steps should merge to largest, got %v", sim.steps)
	}
	if sim.interval != 250 {
		t.Fatalf("interval should merge to smallest, got %v", sim.interval)
	}
}

func TestGraphRejectsDifferentSubstances(t *testing.T) {
	registry := testRegistry(t)
	graph := NewGraph()
	for i, smiles := range []string{"CCO", "O"} {
		schema := Schema{
			ID: fmt.Sprintf("w%d", i),
			Protocols: []ProtocolSchema{
				{ID: fmt.Sprintf("sim%d", i), Type: "test.simulate", Inputs: map[string]Value{
					"substance": Literal(smiles),
					"steps":     Literal(1000.0),
					"interval":  Literal(10.0),
				}},
			},
			FinalValue: Path{Protocol: fmt.Sprintf("sim%d", i), Output: "steps"},
		}
		if err := graph.AddSchema(schema, registry); err != nil {
			t.Fatalf("add schema %d: %v", i, err)
		}
	}
	if len(graph.Nodes()) != 2 {
		t.Fatalf("different substances must not merge, got %d nodes", len(graph.Nodes()))
	}
}

func TestGraphDetectsCycle(t *testing.T) {
	registry := testRegistry(t)
	graph := NewGraph()
	schema := Schema{
		ID: "cyclic",
		Protocols: []ProtocolSchema{
			{ID: "a", Type: "test.add", Inputs: map[string]Value{"operand": Literal(1.0), "base": Ref("b", "result")}},
			{ID: "b", Type: "test.add", Inputs: map[string]Value{"operand": Literal(1.0), "base": Ref("a", "result")}},
		},
		FinalValue: Path{Protocol: "a", Output: "result"},
	}
	if err := graph.AddSchema(schema, registry); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestExecutorRunsInDependencyOrder(t *testing.T) {
	registry := NewRegistry()
	var mu sync.Mutex
	var trace []string
	MustRegister(registry, "test.add", func() Protocol { return &addProtocol{mu: &mu, trace: &trace} })

	graph := NewGraph()
	schema := Schema{
		ID: "chain",
		Protocols: []ProtocolSchema{
			{ID: "a", Type: "test.add", Inputs: map[string]Value{"operand": Literal(1.0)}},
			{ID: "b", Type: "test.add", Inputs: map[string]Value{"operand": Literal(2.0), "base": Ref("a", "result")}},
			{ID: "c", Type: "test.add", Inputs: map[string]Value{"operand": Literal(3.0), "base": Ref("b", "result")}},
		},
		FinalValue: Path{Protocol: "c", Output: "result"},
	}
	if err := graph.AddSchema(schema, registry); err != nil {
		t.Fatalf("add schema: %v", err)
	}
	for _, node := range graph.Nodes() {
		node.Protocol.(*addProtocol).id = node.ID
	}

	executor := NewExecutor(graph, t.TempDir(), 4)
	result, err := executor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	value, err := result.Output(Path{Protocol: "c", Output: "result"})
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if value.(float64) != 6 {
		t.Fatalf("final value got %v want 6", value)
	}
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if trace[i] != id {
			t.Fatalf("execution order got %v want %v", trace, want)
		}
	}
}

func TestExecutorSkipsDependentsOnFailure(t *testing.T) {
	registry := testRegistry(t)
	graph := NewGraph()
	schema := Schema{
		ID: "failing",
		Protocols: []ProtocolSchema{
			{ID: "a", Type: "test.add", Inputs: map[string]Value{"operand": Literal(1.0), "fail": Literal(true)}},
			{ID: "b", Type: "test.add", Inputs: map[string]Value{"operand": Literal(2.0), "base": Ref("a", "result")}},
		},
		FinalValue: Path{Protocol: "b", Output: "result"},
	}
	if err := graph.AddSchema(schema, registry); err != nil {
		t.Fatalf("add schema: %v", err)
	}
	executor := NewExecutor(graph, t.TempDir(), 2)
	result, err := executor.Run(context.Background())
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if _, err := result.Output(Path{Protocol: "b", Output: "result"}); err == nil {
		t.Fatal("skipped protocol should have no outputs")
	}
}

func TestExecutorReleasesDependentsOfCancelledNodes(t *testing.T) {
	registry := testRegistry(t)
	graph := NewGraph()
	schema := Schema{
		ID: "cancelled",
		Protocols: []ProtocolSchema{
			{ID: "bad", Type: "test.add", Inputs: map[string]Value{"operand": Literal(1.0), "fail": Literal(true)}},
			{ID: "bad.extract", Type: "test.add", Inputs: map[string]Value{"operand": Literal(2.0), "base": Ref("bad", "result")}},
			{ID: "good", Type: "test.add", Inputs: map[string]Value{"operand": Literal(3.0)}},
			{ID: "good.extract", Type: "test.add", Inputs: map[string]Value{"operand": Literal(4.0), "base": Ref("good", "result")}},
		},
		FinalValue: Path{Protocol: "bad.extract", Output: "result"},
	}
	if err := graph.AddSchema(schema, registry); err != nil {
		t.Fatalf("add schema: %v", err)
	}

	// A single worker guarantees the failing root cancels the run
	// while the independent chain is still queued.
	executor := NewExecutor(graph, t.TempDir(), 1)
	done := make(chan error, 1)
	go func() {
		_, err := executor.Run(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected run to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after a protocol failure")
	}
}
