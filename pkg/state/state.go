// Package state implements the typed state-reducer system: per-field
// annotations declare a default value (or factory) and an optional reducer
// that merges concurrent or looped updates. The package is pure and
// synchronous; callers must not mutate values they hand in.
package state

import "time"

// Reserved field names present in every workflow state.
const (
	KeyExecutionID = "executionId"
	KeyLastUpdated = "lastUpdated"
	KeyOutputs     = "outputs"
)

// State is an open mapping from field name to value. Every update produces a
// new State; no in-place mutation is visible across executor steps.
type State map[string]any

// Update is a partial state: only the fields being changed.
type Update map[string]any

// Reducer merges a field's current value with an incoming update value.
// Reducers must be pure: no I/O, no mutation of either argument.
type Reducer func(current, update any) any

// Annotation declares a field's default and merge behavior. DefaultFunc takes
// precedence over Default and is invoked fresh on every initialization so
// slice/map defaults are never aliased across states. A nil Reducer means the
// update value replaces the current value outright (nil included).
type Annotation struct {
	Default     any
	DefaultFunc func() any
	Reducer     Reducer
}

// Schema maps field names to their annotations.
type Schema map[string]Annotation

// BaseSchema returns the annotations every workflow schema starts from:
// executionId and lastUpdated are replaced, outputs is a shallow-merged
// per-node-output map.
func BaseSchema() Schema {
	return Schema{
		KeyExecutionID: {Default: ""},
		KeyLastUpdated: {DefaultFunc: func() any { return time.Time{} }},
		KeyOutputs:     {DefaultFunc: func() any { return map[string]any{} }, Reducer: Merge},
	}
}

// Extend returns a new schema containing the base annotations plus the given
// workflow-specific fields. Workflow fields win on name collisions.
func Extend(fields Schema) Schema {
	s := BaseSchema()
	for name, ann := range fields {
		s[name] = ann
	}
	return s
}

// Initialize evaluates every field's default into a fresh State.
func Initialize(schema Schema) State {
	st := make(State, len(schema))
	for name, ann := range schema {
		if ann.DefaultFunc != nil {
			st[name] = ann.DefaultFunc()
			continue
		}
		st[name] = ann.Default
	}
	return st
}

// Apply merges an update into the current state through the schema's reducers
// and returns the resulting state. Fields absent from the update are carried
// over unchanged; fields without a declared reducer are replaced outright.
// Fields not present in the schema at all are also replaced.
func Apply(schema Schema, current State, update Update) State {
	next := make(State, len(current)+len(update))
	for k, v := range current {
		next[k] = v
	}
	for field, uv := range update {
		ann, ok := schema[field]
		if !ok || ann.Reducer == nil {
			next[field] = uv
			continue
		}
		next[field] = ann.Reducer(current[field], uv)
	}
	return next
}

// Outputs returns the per-node-output map, or an empty map if unset.
func (s State) Outputs() map[string]any {
	if m, ok := s[KeyOutputs].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Output returns the last value a node produced, if any.
func (s State) Output(nodeID string) (any, bool) {
	v, ok := s.Outputs()[nodeID]
	return v, ok
}

// ExecutionID returns the execution identifier, or "" if unset.
func (s State) ExecutionID() string {
	v, _ := s[KeyExecutionID].(string)
	return v
}

// WithOutput builds an update recording a node's output. Applied through the
// base schema it shallow-merges into the outputs map.
func WithOutput(nodeID string, value any) Update {
	return Update{KeyOutputs: map[string]any{nodeID: value}}
}
