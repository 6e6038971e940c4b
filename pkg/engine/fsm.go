package engine

import (
	"github.com/rendis/stategraph/pkg/schema"
)

// statusTransitions is the execution lifecycle FSM. Terminal statuses admit
// no further transitions.
var statusTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusPending: {schema.StatusRunning, schema.StatusCancelled},
	schema.StatusRunning: {
		schema.StatusPaused,
		schema.StatusCompleted,
		schema.StatusFailed,
		schema.StatusCancelled,
	},
	schema.StatusPaused:    {schema.StatusRunning, schema.StatusCancelled, schema.StatusFailed},
	schema.StatusCompleted: {},
	schema.StatusFailed:    {},
	schema.StatusCancelled: {},
}

// canTransition reports whether the FSM permits moving from one status to
// another.
func canTransition(from, to schema.ExecutionStatus) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition validates and returns the new status, or an INVALID_TRANSITION
// error.
func transition(from, to schema.ExecutionStatus) (schema.ExecutionStatus, error) {
	if !canTransition(from, to) {
		return from, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot transition execution from %s to %s", from, to)
	}
	return to, nil
}
