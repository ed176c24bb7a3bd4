package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// ConfigKey is the node config key naming the executor to use.
const ConfigKey = "agent"

// Registry routes each request to a named executor, falling back to a
// default when the node config names none. It is itself an Executor.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  string
}

// NewRegistry creates an empty Registry. fallback names the executor used
// when a node does not set ConfigKey.
func NewRegistry(fallback string) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		fallback:  fallback,
	}
}

// Register adds an executor. Returns error on duplicate name.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	name := e.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor %q already registered", name)
	}
	r.executors[name] = e
	return nil
}

// Get retrieves an executor by name.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "executor %q not registered", name)
	}
	return e, nil
}

// Has reports whether an executor with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[name]
	return ok
}

// Names returns the registered executor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Name() string { return "registry" }

// Execute dispatches to the executor named by the node config. An unknown
// executor is a permanent failure.
func (r *Registry) Execute(ctx context.Context, req Request) (*Result, error) {
	name := stringParam(req.Config, ConfigKey, r.fallback)
	e, err := r.Get(name)
	if err != nil {
		return nil, PermanentError("node %s: executor %q not registered", req.NodeID, name)
	}
	return e.Execute(ctx, req)
}

var _ Executor = (*Registry)(nil)
