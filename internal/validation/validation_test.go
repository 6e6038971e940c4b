package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stategraph/pkg/schema"
)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func linearDef(t *testing.T) *schema.GraphDefinition {
	return &schema.GraphDefinition{
		Name:  "pipeline",
		Start: "fetch",
		Nodes: []schema.NodeDefinition{
			{ID: "fetch", Kind: "tool", Config: raw(t, schema.ToolConfig{Tool: "http_get"})},
			{ID: "store", Kind: "tool", Config: raw(t, schema.ToolConfig{Tool: "db_write"})},
		},
		Edges: []schema.EdgeDefinition{
			{From: "fetch", To: "store"},
		},
	}
}

func newValidator(t *testing.T, toolNames ...string) *GraphValidator {
	t.Helper()
	registered := make(map[string]bool, len(toolNames))
	for _, n := range toolNames {
		registered[n] = true
	}
	gv, err := NewGraphValidator(ToolLookupFunc(func(name string) bool { return registered[name] }))
	require.NoError(t, err)
	return gv
}

// --- Structural ---

func TestValidate_ValidDefinition(t *testing.T) {
	gv := newValidator(t, "http_get", "db_write")
	result := gv.Validate(linearDef(t))
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidate_NilDefinition(t *testing.T) {
	gv := newValidator(t)
	result := gv.Validate(nil)
	require.False(t, result.Valid())
}

func TestValidate_MissingStart(t *testing.T) {
	gv := newValidator(t, "http_get", "db_write")
	def := linearDef(t)
	def.Start = ""
	result := gv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_UnknownKind(t *testing.T) {
	gv := newValidator(t)
	def := &schema.GraphDefinition{
		Start: "a",
		Nodes: []schema.NodeDefinition{{ID: "a", Kind: "teleport"}},
	}
	result := gv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_BadTimeoutPattern(t *testing.T) {
	gv := newValidator(t)
	def := &schema.GraphDefinition{
		Start: "a",
		Nodes: []schema.NodeDefinition{{ID: "a", Kind: "agent", Timeout: "soon"}},
	}
	result := gv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_DuplicateNodeID(t *testing.T) {
	gv := newValidator(t)
	def := &schema.GraphDefinition{
		Start: "a",
		Nodes: []schema.NodeDefinition{
			{ID: "a", Kind: "agent"},
			{ID: "a", Kind: "agent"},
		},
	}
	result := gv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate node id")
}

func TestValidate_RetryNeedsPositiveAttempts(t *testing.T) {
	gv := newValidator(t)
	def := &schema.GraphDefinition{
		Start: "a",
		Nodes: []schema.NodeDefinition{
			{ID: "a", Kind: "agent", Retry: &schema.RetryPolicy{MaxAttempts: 0}},
		},
	}
	result := gv.Validate(def)
	assert.False(t, result.Valid())
}

// --- Semantic ---

func TestValidate_StartReferencesUnknownNode(t *testing.T) {
	gv := newValidator(t)
	def := &schema.GraphDefinition{
		Start: "nope",
		Nodes: []schema.NodeDefinition{{ID: "a", Kind: "agent"}},
	}
	result := gv.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, "start", result.Errors[0].Path)
}

func TestValidate_EdgeReferencesUnknownNode(t *testing.T) {
	gv := newValidator(t, "http_get", "db_write")
	def := linearDef(t)
	def.Edges = append(def.Edges, schema.EdgeDefinition{From: "store", To: "ghost"})
	result := gv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_EdgeConditionMustCompile(t *testing.T) {
	gv := newValidator(t, "http_get", "db_write")
	def := linearDef(t)
	def.Edges[0].Condition = "outputs.fetch.status =="
	result := gv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_DecisionRouteTargetMustExist(t *testing.T) {
	gv := newValidator(t)
	def := &schema.GraphDefinition{
		Start: "pick",
		Nodes: []schema.NodeDefinition{
			{ID: "pick", Kind: "decision", Config: raw(t, schema.DecisionConfig{
				Routes: []schema.DecisionRoute{{When: "state.ok", To: "ghost"}},
			})},
		},
	}
	result := gv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_DecisionNeedsRoutesOrFallback(t *testing.T) {
	gv := newValidator(t)
	def := &schema.GraphDefinition{
		Start: "pick",
		Nodes: []schema.NodeDefinition{
			{ID: "pick", Kind: "decision", Config: raw(t, schema.DecisionConfig{})},
		},
	}
	result := gv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_UnknownToolRejected(t *testing.T) {
	gv := newValidator(t, "http_get") // db_write missing
	result := gv.Validate(linearDef(t))
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "db_write")
}

func TestValidate_NilLookupSkipsToolChecks(t *testing.T) {
	gv, err := NewGraphValidator(nil)
	require.NoError(t, err)
	result := gv.Validate(linearDef(t))
	assert.True(t, result.Valid())
}

func TestValidate_ParallelStrategyAndBranches(t *testing.T) {
	gv := newValidator(t)
	def := &schema.GraphDefinition{
		Start: "fan",
		Nodes: []schema.NodeDefinition{
			{ID: "fan", Kind: "parallel", Config: raw(t, schema.ParallelConfig{
				Branches: []string{"ghost"},
				Strategy: "most",
			})},
		},
	}
	result := gv.Validate(def)
	require.False(t, result.Valid())
	assert.Len(t, result.Errors, 2) // unknown branch + unknown strategy
}

func TestValidate_SubgraphNeedsWorkflowName(t *testing.T) {
	gv := newValidator(t)
	def := &schema.GraphDefinition{
		Start: "sub",
		Nodes: []schema.NodeDefinition{
			{ID: "sub", Kind: "subgraph", Config: raw(t, schema.SubgraphConfig{})},
		},
	}
	result := gv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_ContextMonitorThresholdRange(t *testing.T) {
	gv := newValidator(t)
	def := &schema.GraphDefinition{
		Start: "mon",
		Nodes: []schema.NodeDefinition{
			{ID: "mon", Kind: "context_monitor", Config: raw(t, schema.ContextMonitorConfig{
				Threshold: 140,
			})},
		},
	}
	result := gv.Validate(def)
	assert.False(t, result.Valid())
}

// --- Reachability ---

func TestValidate_UnreachableNodeWarns(t *testing.T) {
	gv := newValidator(t, "http_get", "db_write")
	def := linearDef(t)
	def.Nodes = append(def.Nodes, schema.NodeDefinition{ID: "orphan", Kind: "agent"})
	result := gv.Validate(def)
	assert.True(t, result.Valid(), "unreachable nodes warn, not fail")
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "orphan")
}

func TestValidate_DecisionRoutesCountAsReachable(t *testing.T) {
	gv := newValidator(t)
	def := &schema.GraphDefinition{
		Start: "pick",
		Nodes: []schema.NodeDefinition{
			{ID: "pick", Kind: "decision", Config: raw(t, schema.DecisionConfig{
				Routes:   []schema.DecisionRoute{{When: "state.ok", To: "yes"}},
				Fallback: "no",
			})},
			{ID: "yes", Kind: "agent"},
			{ID: "no", Kind: "agent"},
		},
	}
	result := gv.Validate(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidate_CyclesAreLegal(t *testing.T) {
	gv := newValidator(t)
	def := &schema.GraphDefinition{
		Start: "a",
		Nodes: []schema.NodeDefinition{
			{ID: "a", Kind: "agent"},
			{ID: "b", Kind: "agent"},
		},
		Edges: []schema.EdgeDefinition{
			{From: "a", To: "b"},
			{From: "b", To: "a", Condition: "loop.retry < 3"},
		},
	}
	result := gv.Validate(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

// --- Input validation ---

func TestValidateInput_AgainstSchema(t *testing.T) {
	gv := newValidator(t)

	inputSchema := []byte(`{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": { "type": "string", "minLength": 1 }
		}
	}`)

	err := gv.ValidateInput(map[string]any{"query": "hello"}, inputSchema)
	assert.NoError(t, err)

	err = gv.ValidateInput(map[string]any{"query": 42}, inputSchema)
	require.Error(t, err)
	var gerr *schema.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestValidateInput_EmptySchemaIsNoop(t *testing.T) {
	gv := newValidator(t)
	assert.NoError(t, gv.ValidateInput(map[string]any{"anything": true}, nil))
}

func TestValidateInput_InvalidSchemaRejected(t *testing.T) {
	gv := newValidator(t)
	err := gv.ValidateInput(map[string]any{}, []byte(`{not json`))
	assert.Error(t, err)
}
