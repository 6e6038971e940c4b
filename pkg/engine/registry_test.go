package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stategraph/pkg/graph"
	"github.com/rendis/stategraph/pkg/schema"
)

func compiledGraph(t *testing.T, name string) *graph.CompiledGraph {
	t.Helper()
	g, err := graph.New(name).
		Start(&graph.Node{ID: "only", Kind: graph.KindTool,
			Execute: func(context.Context, *graph.ExecuteContext) (*graph.NodeResult, error) {
				return &graph.NodeResult{}, nil
			}}).
		Compile(schema.GraphConfig{})
	require.NoError(t, err)
	return g
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	g := compiledGraph(t, "wf")

	require.NoError(t, reg.Register("wf", g))

	got, ok := reg.Resolve("wf")
	require.True(t, ok)
	assert.Same(t, g, got)

	_, ok = reg.Resolve("missing")
	assert.False(t, ok)
}

func TestRegistry_RegisterConflict(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("wf", compiledGraph(t, "wf")))

	err := reg.Register("wf", compiledGraph(t, "wf"))
	require.Error(t, err)
	var gerr *schema.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeConflict, gerr.Code)
}

func TestRegistry_ReplaceOverwrites(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("wf", compiledGraph(t, "v1")))

	v2 := compiledGraph(t, "v2")
	reg.Replace("wf", v2)

	got, ok := reg.Resolve("wf")
	require.True(t, ok)
	assert.Same(t, v2, got)
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("zeta", compiledGraph(t, "zeta")))
	require.NoError(t, reg.Register("alpha", compiledGraph(t, "alpha")))

	assert.Equal(t, []string{"alpha", "zeta"}, reg.Names())
}
