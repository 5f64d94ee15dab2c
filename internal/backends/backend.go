// Package backends schedules workflow executions onto compute
// resources. The local backend runs graphs in-process on a bounded
// worker pool with an optional submission rate limit.
package backends

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/time/rate"

	"propcore/internal/ctxlog"
	"propcore/internal/workflow"
)

// Task is one scheduled workflow execution.
type Task struct {
	// ID names the task; it doubles as the working directory name.
	ID    string
	Graph *workflow.Graph
}

// Future resolves to a finished task's outputs.
type Future struct {
	done   chan struct{}
	result *workflow.Result
	err    error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) complete(result *workflow.Result, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Done reports completion without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task finishes or the context is cancelled.
func (f *Future) Wait(ctx context.Context) (*workflow.Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Backend accepts workflow graphs for execution.
type Backend interface {
	Submit(ctx context.Context, task Task) (*Future, error)
	Shutdown()
}

// Options configures a local backend.
type Options struct {
	// Workers bounds concurrently running tasks; defaults to GOMAXPROCS.
	Workers int
	// ProtocolWorkers bounds parallelism inside each graph.
	ProtocolWorkers int
	// WorkingDir roots per-task directories.
	WorkingDir string
	// SubmitRate throttles task starts per second; zero means no limit.
	SubmitRate float64
}

// Local runs workflow graphs in-process.
type Local struct {
	opts    Options
	limiter *rate.Limiter
	tasks   chan localTask
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type localTask struct {
	ctx    context.Context
	task   Task
	future *Future
}

// NewLocal starts a local backend.
func NewLocal(opts Options) (*Local, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.ProtocolWorkers <= 0 {
		opts.ProtocolWorkers = 1
	}
	if opts.WorkingDir == "" {
		opts.WorkingDir = "working-data"
	}
	if err := os.MkdirAll(opts.WorkingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	b := &Local{opts: opts, tasks: make(chan localTask, opts.Workers*2)}
	if opts.SubmitRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(opts.SubmitRate), 1)
	}
	for i := 0; i < opts.Workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	return b, nil
}

// Submit queues a task. The returned future resolves when the graph
// finishes executing.
func (b *Local) Submit(ctx context.Context, task Task) (*Future, error) {
	if task.ID == "" {
		return nil, fmt.Errorf("task id must not be empty")
	}
	if task.Graph == nil {
		return nil, fmt.Errorf("task graph must not be nil")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("backend is shut down")
	}
	b.mu.Unlock()

	future := newFuture()
	select {
	case b.tasks <- localTask{ctx: ctx, task: task, future: future}:
		return future, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Local) worker(id int) {
	defer b.wg.Done()
	for item := range b.tasks {
		logger := ctxlog.FromContext(item.ctx).With("worker", id, "task", item.task.ID)
		if item.ctx.Err() != nil {
			item.future.complete(nil, item.ctx.Err())
			continue
		}
		if b.limiter != nil {
			if err := b.limiter.Wait(item.ctx); err != nil {
				item.future.complete(nil, err)
				continue
			}
		}
		dir := filepath.Join(b.opts.WorkingDir, item.task.ID)
		logger.Debug("executing task", "dir", dir)
		executor := workflow.NewExecutor(item.task.Graph, dir, b.opts.ProtocolWorkers)
		result, err := executor.Run(item.ctx)
		if err != nil {
			logger.Error("task failed", "error", err)
		} else {
			logger.Debug("task finished")
		}
		item.future.complete(result, err)
	}
}

// Shutdown stops accepting tasks and waits for running ones.
func (b *Local) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.tasks)
	b.wg.Wait()
}

var _ Backend = (*Local)(nil)
