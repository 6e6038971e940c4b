package graph

import (
	"github.com/rendis/stategraph/pkg/schema"
)

// CompiledGraph is the immutable output of Builder.Compile. It is safe to
// share across concurrent executions.
type CompiledGraph struct {
	name     string
	nodes    map[string]*Node
	order    []string          // node IDs in registration order
	edges    map[string][]Edge // outgoing edges by from-node, declaration order
	start    string
	endNodes map[string]struct{}
	config   schema.GraphConfig
}

// Name returns the graph's display name.
func (g *CompiledGraph) Name() string { return g.name }

// Start returns the start node ID.
func (g *CompiledGraph) Start() string { return g.start }

// Config returns the graph's execution config.
func (g *CompiledGraph) Config() schema.GraphConfig { return g.config }

// Node returns the node with the given ID.
func (g *CompiledGraph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the node IDs in registration order.
func (g *CompiledGraph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Edges returns the outgoing edges of a node in declaration order.
func (g *CompiledGraph) Edges(from string) []Edge {
	return g.edges[from]
}

// IsEnd reports whether a node is in the terminal set.
func (g *CompiledGraph) IsEnd(id string) bool {
	_, ok := g.endNodes[id]
	return ok
}

// EndNodes returns the terminal node IDs in registration order.
func (g *CompiledGraph) EndNodes() []string {
	var out []string
	for _, id := range g.order {
		if _, ok := g.endNodes[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
