package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stategraph/pkg/schema"
)

func condData() map[string]any {
	return BuildData(map[string]any{
		"score": 87,
		"done":  false,
		"outputs": map[string]any{
			"fetch": map[string]any{"status": 200},
		},
	}, map[string]int{"retry_loop": 3})
}

func TestBuildData_Defaults(t *testing.T) {
	data := BuildData(nil, nil)
	assert.Equal(t, map[string]any{}, data[VarState])
	assert.Equal(t, map[string]any{}, data[VarOutputs])
	assert.Equal(t, map[string]any{}, data[VarLoop])
}

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `state.score > 50`, condData())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `outputs.fetch.status == 200 && !state.done`, condData())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `loop.retry_loop < 3`, condData())
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExprEngine_EvaluateBool_RejectsNonBool(t *testing.T) {
	e := NewExprEngine()

	_, err := e.EvaluateBool(context.Background(), `state.score`, condData())
	require.Error(t, err)
	var gerr *schema.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeExecution, gerr.Code)
}

func TestExprEngine_CompileErrorIsValidation(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `state.score >`, condData())
	var gerr *schema.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestCELEngine_Evaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `state.score >= 87`, condData())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	// Missing scope keys default to empty maps instead of erroring.
	out, err = e.Evaluate(context.Background(), `"fetch" in outputs`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELEngine_CompileErrorIsValidation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `state.`, condData())
	var gerr *schema.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestGoJQEngine_SingleOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.state.score + 13`, condData())
	require.NoError(t, err)
	assert.Equal(t, float64(100), out)
}

func TestGoJQEngine_Reshape(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `{status: .outputs.fetch.status}`, condData())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": float64(200)}, out)
}

func TestGoJQEngine_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.state.score, .loop.retry_loop`, condData())
	require.NoError(t, err)
	assert.Equal(t, []any{float64(87), float64(3)}, out)
}

func TestGoJQEngine_ParseErrorIsValidation(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[unclosed`, condData())
	var gerr *schema.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestEngines_CacheReuse(t *testing.T) {
	e := NewExprEngine()
	for i := 0; i < 3; i++ {
		out, err := e.Evaluate(context.Background(), `1 + 1`, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 2, out)
	}
	assert.Len(t, e.cache, 1)
}
