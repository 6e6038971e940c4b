package graph

import (
	"context"
	"sync"

	"github.com/rendis/stategraph/internal/expressions"
	"github.com/rendis/stategraph/pkg/schema"
	"github.com/rendis/stategraph/pkg/state"
)

// ConditionInput is what edge conditions see: the current state plus the
// iteration counters of active loops.
type ConditionInput struct {
	State state.State
	Loops map[string]int
}

// Condition is a pure predicate over execution data. Conditions must not
// mutate their input.
type Condition func(ctx context.Context, in ConditionInput) (bool, error)

// Edge is a directed, optionally conditional connection between two nodes.
// A nil Condition makes the edge unconditional.
type Edge struct {
	From      string
	To        string
	Condition Condition
	Label     string
}

// When adapts a state-only predicate into a Condition.
func When(pred func(st state.State) bool) Condition {
	return func(_ context.Context, in ConditionInput) (bool, error) {
		return pred(in.State), nil
	}
}

// Not negates a condition.
func Not(c Condition) Condition {
	if c == nil {
		return func(context.Context, ConditionInput) (bool, error) { return false, nil }
	}
	return func(ctx context.Context, in ConditionInput) (bool, error) {
		ok, err := c(ctx, in)
		return !ok, err
	}
}

var (
	exprEngineOnce sync.Once
	sharedExpr     *expressions.ExprEngine

	celEngineOnce sync.Once
	sharedCEL     *expressions.CELEngine
	sharedCELErr  error
)

func exprEngine() *expressions.ExprEngine {
	exprEngineOnce.Do(func() { sharedExpr = expressions.NewExprEngine() })
	return sharedExpr
}

func celEngine() (*expressions.CELEngine, error) {
	celEngineOnce.Do(func() { sharedCEL, sharedCELErr = expressions.NewCELEngine() })
	return sharedCEL, sharedCELErr
}

// Expr builds a condition from an expr-lang source string evaluated against
// {state, outputs, loop}. Compilation is lazy and cached; a compile error
// surfaces on first evaluation.
func Expr(source string) Condition {
	return func(ctx context.Context, in ConditionInput) (bool, error) {
		data := expressions.BuildData(in.State, in.Loops)
		return exprEngine().EvaluateBool(ctx, source, data)
	}
}

// CEL builds a condition from a CEL source string evaluated against
// {state, outputs, loop}.
func CEL(source string) Condition {
	return func(ctx context.Context, in ConditionInput) (bool, error) {
		eng, err := celEngine()
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"CEL engine unavailable: %s", err.Error()).WithCause(err)
		}
		out, err := eng.Evaluate(ctx, source, expressions.BuildData(in.State, in.Loops))
		if err != nil {
			return false, err
		}
		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeExecution,
				"CEL condition %q must evaluate to bool, got %T", source, out)
		}
		return b, nil
	}
}
