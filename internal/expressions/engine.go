// Package expressions provides the expression engines used for edge
// conditions, decision routes, and state mappers: CEL and expr-lang for
// predicates, GoJQ for JSON transforms. All engines cache compiled programs
// and are safe for concurrent use.
package expressions

import "context"

// Engine evaluates expressions against execution data.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope variable names exposed to condition expressions.
const (
	VarState   = "state"   // the whole workflow state
	VarOutputs = "outputs" // per-node output map (state["outputs"])
	VarLoop    = "loop"    // loop iteration counters keyed by loop ID
)

// BuildData assembles the evaluation data map from a state snapshot and the
// executor's loop counters. Missing pieces default to empty maps so
// expressions never hit nil lookups.
func BuildData(st map[string]any, loops map[string]int) map[string]any {
	if st == nil {
		st = map[string]any{}
	}
	outputs, _ := st["outputs"].(map[string]any)
	if outputs == nil {
		outputs = map[string]any{}
	}
	loopData := make(map[string]any, len(loops))
	for id, n := range loops {
		loopData[id] = n
	}
	return map[string]any{
		VarState:   map[string]any(st),
		VarOutputs: outputs,
		VarLoop:    loopData,
	}
}
