package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"propcore/internal/ctxlog"
)

type nodeState int32

const (
	statePending nodeState = iota
	stateRunning
	stateDone
	stateFailed
)

type execNode struct {
	node *Node

	state    atomic.Int32
	depCount atomic.Int32
	skipOnce sync.Once
	err      error

	dependents []*execNode
}

// Result holds the outputs every protocol produced during a run,
// keyed by protocol id.
type Result struct {
	mu      sync.Mutex
	outputs map[string]map[string]any
}

func newResult() *Result {
	return &Result{outputs: make(map[string]map[string]any)}
}

func (r *Result) set(id string, outputs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[id] = outputs
}

// Output returns the value a path refers to.
func (r *Result) Output(p Path) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	outputs, ok := r.outputs[p.Protocol]
	if !ok {
		return nil, fmt.Errorf("no outputs recorded for protocol %q", p.Protocol)
	}
	value, ok := outputs[p.Output]
	if !ok {
		return nil, fmt.Errorf("protocol %q produced no output %q", p.Protocol, p.Output)
	}
	return value, nil
}

// Executor runs a protocol graph with a bounded worker pool. Each
// protocol executes in its own subdirectory of the root directory.
type Executor struct {
	graph      *Graph
	rootDir    string
	numWorkers int

	wg sync.WaitGroup
}

// NewExecutor builds an executor over a graph. Workers below one are
// clamped to one.
func NewExecutor(graph *Graph, rootDir string, workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{graph: graph, rootDir: rootDir, numWorkers: workers}
}

// Run executes the graph and returns the recorded outputs. Any node
// failure cancels in-flight work, skips downstream nodes and surfaces
// the root cause.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	nodes := make(map[string]*execNode, len(e.graph.order))
	for _, node := range e.graph.Nodes() {
		nodes[node.ID] = &execNode{node: node}
	}
	for _, en := range nodes {
		en.depCount.Store(int32(len(en.node.dependencies)))
		for _, dep := range en.node.dependencies {
			nodes[dep].dependents = append(nodes[dep].dependents, en)
		}
	}

	result := newResult()
	readyChan := make(chan *execNode, len(nodes))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rootCount := 0
	for _, id := range e.graph.order {
		en := nodes[id]
		if en.depCount.Load() == 0 {
			readyChan <- en
			rootCount++
		}
	}
	logger.Debug("starting workflow execution",
		"protocols", len(nodes), "roots", rootCount, "workers", e.numWorkers)

	e.wg.Add(len(nodes))
	for i := 0; i < e.numWorkers; i++ {
		go e.worker(runCtx, result, readyChan, cancel, i)
	}
	e.wg.Wait()
	close(readyChan)

	var failed []string
	var rootCause error
	for _, id := range e.graph.order {
		en := nodes[id]
		if nodeState(en.state.Load()) != stateFailed {
			continue
		}
		logger.Error("protocol failed", "protocol", en.node.ID, "error", en.err)
		if en.err != nil && !strings.HasPrefix(en.err.Error(), "skipped") && !errors.Is(en.err, context.Canceled) {
			failed = append(failed, en.node.ID)
			if rootCause == nil {
				rootCause = en.err
			}
		}
	}
	if rootCause != nil {
		return result, fmt.Errorf("workflow failed at %s: %w", strings.Join(failed, ", "), rootCause)
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

func (e *Executor) worker(ctx context.Context, result *Result, readyChan chan *execNode, cancel context.CancelFunc, workerID int) {
	logger := ctxlog.FromContext(ctx).With("worker", workerID)

	for en := range readyChan {
		if ctx.Err() != nil {
			en.skipOnce.Do(func() {
				en.state.Store(int32(stateFailed))
				en.err = ctx.Err()
				e.wg.Done()
				e.skipDependents(ctx, en)
			})
			continue
		}

		en.state.Store(int32(stateRunning))
		logger.Debug("executing protocol", "protocol", en.node.ID)

		err := e.execute(ctx, result, en.node)
		if err != nil {
			logger.Error("protocol execution failed", "protocol", en.node.ID, "error", err)
			en.state.Store(int32(stateFailed))
			en.err = err
			cancel()
			e.skipDependents(ctx, en)
			e.wg.Done()
			continue
		}

		en.state.Store(int32(stateDone))
		for _, dependent := range en.dependents {
			if dependent.depCount.Add(-1) == 0 {
				readyChan <- dependent
			}
		}
		e.wg.Done()
	}
}

func (e *Executor) execute(ctx context.Context, result *Result, node *Node) error {
	// Resolve reference inputs now that every upstream node is done.
	for name, value := range node.Schema.Inputs {
		if !value.IsRef() {
			continue
		}
		resolved, err := result.Output(*value.Path)
		if err != nil {
			return err
		}
		if err := node.Protocol.SetInput(name, resolved); err != nil {
			return fmt.Errorf("protocol %s: %w", node.ID, err)
		}
	}
	for _, decl := range node.Protocol.Inputs() {
		if decl.Optional {
			continue
		}
		if _, ok := node.Schema.Inputs[decl.Name]; !ok {
			return fmt.Errorf("protocol %s: required input %s not set", node.ID, decl.Name)
		}
	}

	dir := NodeDir(e.rootDir, node.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create protocol directory: %w", err)
	}
	outputs, err := node.Protocol.Execute(ctx, dir)
	if err != nil {
		return fmt.Errorf("protocol %s in %s: %w", node.ID, dir, err)
	}
	result.set(node.ID, outputs)
	return nil
}

func (e *Executor) skipDependents(ctx context.Context, en *execNode) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range en.dependents {
		dependent.skipOnce.Do(func() {
			logger.Warn("skipping protocol after upstream failure",
				"protocol", dependent.node.ID, "failed", en.node.ID)
			dependent.state.Store(int32(stateFailed))
			dependent.err = fmt.Errorf("skipped after failure of %q", en.node.ID)
			e.wg.Done()
			e.skipDependents(ctx, dependent)
		})
	}
}

// NodeDir returns the working directory a protocol executes in,
// derived from the executor root and the protocol id.
func NodeDir(rootDir, id string) string {
	return filepath.Join(rootDir, strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, id))
}
