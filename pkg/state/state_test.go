package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Extend(Schema{
		"messages": {DefaultFunc: func() any { return []any{} }, Reducer: Concat},
		"counter":  {Default: 0, Reducer: Sum},
		"flags":    {DefaultFunc: func() any { return map[string]any{} }, Reducer: Merge},
		"title":    {Default: "untitled"},
	})
}

func TestInitialize_Defaults(t *testing.T) {
	st := Initialize(testSchema())

	assert.Equal(t, "", st[KeyExecutionID])
	assert.Equal(t, map[string]any{}, st[KeyOutputs])
	assert.Equal(t, []any{}, st["messages"])
	assert.Equal(t, 0, st["counter"])
	assert.Equal(t, "untitled", st["title"])
}

func TestInitialize_FactoryDefaultsNotAliased(t *testing.T) {
	schema := testSchema()
	a := Initialize(schema)
	b := Initialize(schema)

	require.Equal(t, a["messages"], b["messages"])

	// Mutating one state's factory default must not leak into the other.
	a["messages"] = append(a["messages"].([]any), "hello")
	a["flags"].(map[string]any)["dirty"] = true

	assert.Empty(t, b["messages"])
	assert.Empty(t, b["flags"].(map[string]any))
}

func TestApply_FieldsAbsentFromUpdateCarryOver(t *testing.T) {
	schema := testSchema()
	st := Initialize(schema)
	st["title"] = "original"

	next := Apply(schema, st, Update{"counter": 5})

	assert.Equal(t, "original", next["title"])
	assert.Equal(t, int64(5), asInt64(t, next["counter"]))
}

func TestApply_NoReducerMeansReplace(t *testing.T) {
	schema := testSchema()
	st := Initialize(schema)

	next := Apply(schema, st, Update{"title": "renamed"})
	assert.Equal(t, "renamed", next["title"])

	// nil is a valid replacement value.
	next = Apply(schema, next, Update{"title": nil})
	assert.Nil(t, next["title"])
}

func TestApply_UnknownFieldReplaces(t *testing.T) {
	schema := testSchema()
	st := Initialize(schema)

	next := Apply(schema, st, Update{"adhoc": 42})
	assert.Equal(t, 42, next["adhoc"])
}

func TestApply_DoesNotMutateCurrent(t *testing.T) {
	schema := testSchema()
	st := Initialize(schema)

	_ = Apply(schema, st, Update{"counter": 3, "messages": []any{"x"}})

	assert.Equal(t, 0, st["counter"])
	assert.Empty(t, st["messages"])
}

func TestWithOutput_MergesIntoOutputs(t *testing.T) {
	schema := testSchema()
	st := Initialize(schema)

	st = Apply(schema, st, WithOutput("fetch", map[string]any{"status": 200}))
	st = Apply(schema, st, WithOutput("parse", "ok"))

	out, ok := st.Output("fetch")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"status": 200}, out)

	out, ok = st.Output("parse")
	require.True(t, ok)
	assert.Equal(t, "ok", out)
}

func asInt64(t *testing.T, v any) int64 {
	t.Helper()
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	t.Fatalf("not numeric: %#v", v)
	return 0
}
