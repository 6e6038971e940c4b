package graph

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stategraph/pkg/schema"
	"github.com/rendis/stategraph/pkg/state"
)

func TestFromDefinition_CompilesToolWorkflow(t *testing.T) {
	def := schema.GraphDefinition{
		Name:  "ingest",
		Start: "fetch",
		Nodes: []schema.NodeDefinition{
			{
				ID:      "fetch",
				Kind:    "tool",
				Timeout: "30s",
				Config:  json.RawMessage(`{"tool":"http_get","params":{"url":"https://example.com"}}`),
			},
			{
				ID:     "route",
				Kind:   "decision",
				Config: json.RawMessage(`{"routes":[{"when":"outputs.fetch.status == 200","to":"done"}],"fallback":"failed"}`),
			},
			{ID: "done", Kind: "tool", Config: json.RawMessage(`{"tool":"noop"}`)},
			{ID: "failed", Kind: "tool", Config: json.RawMessage(`{"tool":"noop"}`)},
		},
		Edges: []schema.EdgeDefinition{
			{From: "fetch", To: "route"},
		},
	}

	tools := ToolRegistry{
		"http_get": func(ctx context.Context, params map[string]any, st state.State) (any, error) {
			return map[string]any{"status": 200}, nil
		},
		"noop": func(context.Context, map[string]any, state.State) (any, error) {
			return nil, nil
		},
	}

	g, err := FromDefinition(def, tools)
	require.NoError(t, err)

	assert.Equal(t, "fetch", g.Start())
	fetch, ok := g.Node("fetch")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, fetch.Timeout)

	// The decision node routes on the definition's expr condition.
	route, ok := g.Node("route")
	require.True(t, ok)
	res, err := route.Execute(context.Background(), &ExecuteContext{
		State: state.State{"outputs": map[string]any{"fetch": map[string]any{"status": 200}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"done"}, res.Goto)
}

func TestFromDefinition_UnknownToolFails(t *testing.T) {
	def := schema.GraphDefinition{
		Start: "a",
		Nodes: []schema.NodeDefinition{
			{ID: "a", Kind: "tool", Config: json.RawMessage(`{"tool":"ghost"}`)},
		},
	}

	_, err := FromDefinition(def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestFromDefinition_UnknownKindFails(t *testing.T) {
	def := schema.GraphDefinition{
		Start: "a",
		Nodes: []schema.NodeDefinition{{ID: "a", Kind: "teleport"}},
	}

	_, err := FromDefinition(def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestFromDefinition_EdgeConditions(t *testing.T) {
	def := schema.GraphDefinition{
		Start: "a",
		Nodes: []schema.NodeDefinition{
			{ID: "a", Kind: "wait"},
			{ID: "b", Kind: "wait"},
			{ID: "c", Kind: "wait"},
		},
		Edges: []schema.EdgeDefinition{
			{From: "a", To: "b", Condition: "state.ok", Label: "ok"},
			{From: "a", To: "c"},
		},
	}

	g, err := FromDefinition(def, nil)
	require.NoError(t, err)

	edges := g.Edges("a")
	require.Len(t, edges, 2)
	require.NotNil(t, edges[0].Condition)

	ok, err := edges[0].Condition(context.Background(), ConditionInput{State: state.State{"ok": true}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, edges[1].Condition)
}

func TestRenderMermaid_ShapesByKind(t *testing.T) {
	g, err := New("demo").
		Start(noopNode("start-here")).
		Then(NewWaitNode("approve", schema.WaitConfig{Prompt: "ok?"})).
		Then(noopNode("finish")).
		Compile(schema.GraphConfig{})
	require.NoError(t, err)

	out := RenderMermaid(g)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "%% demo")
	// Start and end nodes render as circles, wait as a stadium.
	assert.Contains(t, out, `start_here(("start-here"))`)
	assert.Contains(t, out, `approve(["approve"])`)
	assert.Contains(t, out, `finish(("finish"))`)
	assert.Contains(t, out, "start_here --> approve")
}
