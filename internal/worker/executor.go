package worker

import (
	"context"
	"sync"

	"github.com/weftlabs/weft/internal/queue"
)

// Result is what a node execution hands back to the runner. The runner owns
// the record lifecycle; executors only compute.
type Result struct {
	Output        map[string]map[string]any
	EventsEmitted []string
	// Waiting marks the record as waiting for external input instead of
	// completing it; a later guarded update finishes it.
	Waiting bool
}

// Executor runs the node logic for one claimed task.
type Executor interface {
	Execute(ctx context.Context, task queue.Task) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task queue.Task) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, task queue.Task) (Result, error) {
	return f(ctx, task)
}

// Registry maps request types to executors. Dispatch is an explicit table,
// never reflection.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(requestType string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[requestType] = ex
}

func (r *Registry) Resolve(requestType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[requestType]
	return ex, ok
}
