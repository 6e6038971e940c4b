package engine

import (
	"sort"
	"sync"

	"github.com/rendis/stategraph/pkg/graph"
	"github.com/rendis/stategraph/pkg/schema"
)

// Registry is a thread-safe name -> compiled graph catalog. It backs subgraph
// resolution, the scheduler, and the MCP server's workflow.run tool.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]*graph.CompiledGraph
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{graphs: make(map[string]*graph.CompiledGraph)}
}

// Register adds a compiled graph under a name. Re-registering a name is a
// CONFLICT error; use Replace to overwrite deliberately.
func (r *Registry) Register(name string, g *graph.CompiledGraph) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.graphs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already registered", name)
	}
	r.graphs[name] = g
	return nil
}

// Replace registers or overwrites a compiled graph under a name.
func (r *Registry) Replace(name string, g *graph.CompiledGraph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[name] = g
}

// Resolve implements graph.Resolver.
func (r *Registry) Resolve(name string) (*graph.CompiledGraph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[name]
	return g, ok
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.graphs))
	for name := range r.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ graph.Resolver = (*Registry)(nil)
