package schema

import "encoding/json"

// GraphDefinition is the JSON-serializable graph format. It mirrors what the
// fluent builder produces so workflows can be declared as data, validated, and
// compiled with graph.FromDefinition.
type GraphDefinition struct {
	Name     string           `json:"name,omitempty"`
	Start    string           `json:"start"`
	Nodes    []NodeDefinition `json:"nodes"`
	Edges    []EdgeDefinition `json:"edges,omitempty"`
	EndNodes []string         `json:"end_nodes,omitempty"` // inferred from topology when empty
	Config   GraphConfig      `json:"config,omitempty"`
}

// NodeDefinition describes a single node in a graph definition.
type NodeDefinition struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"` // agent, tool, decision, wait, ask_user, parallel, subgraph, context_monitor
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Phase       string          `json:"phase,omitempty"`
	PhaseIcon   string          `json:"phase_icon,omitempty"`
	Model       string          `json:"model,omitempty"`   // "inherit" or empty falls through to the graph default
	Timeout     string          `json:"timeout,omitempty"` // node-level timeout (e.g. "30s", "5m")
	Retry       *RetryPolicy    `json:"retry,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"` // kind-specific config
}

// EdgeDefinition describes a directed, optionally conditional edge.
type EdgeDefinition struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"` // expr-lang expression over {state, outputs, loop}
	Label     string `json:"label,omitempty"`
}

// GraphConfig carries compile-time execution defaults.
type GraphConfig struct {
	DefaultModel       string `json:"default_model,omitempty"`       // "inherit" defers to the parent execution
	CheckpointInterval int    `json:"checkpoint_interval,omitempty"` // save every N steps; 0 disables interval saves
	AutoApprove        bool   `json:"auto_approve,omitempty"`        // wait nodes resolve immediately instead of suspending
}

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts"`         // total attempts including the first
	Delay       string  `json:"delay,omitempty"`      // initial backoff (e.g. "1s", "500ms")
	Multiplier  float64 `json:"multiplier,omitempty"` // backoff growth factor (default 2)
}

// DecisionConfig is the config block for decision nodes.
type DecisionConfig struct {
	Routes   []DecisionRoute `json:"routes"`
	Fallback string          `json:"fallback,omitempty"`
}

// DecisionRoute is one (predicate, target) entry in a decision route table.
type DecisionRoute struct {
	When string `json:"when"` // expr-lang expression
	To   string `json:"to"`
}

// WaitConfig is the config block for wait and ask_user nodes.
type WaitConfig struct {
	Prompt     string `json:"prompt,omitempty"`
	PromptExpr string `json:"prompt_expr,omitempty"` // expr-lang expression producing the prompt
	StateKey   string `json:"state_key,omitempty"`   // state field the answer is written to (default: outputs)
}

// ParallelConfig is the config block for parallel nodes.
type ParallelConfig struct {
	Branches []string `json:"branches"`           // branch head node IDs
	Strategy string   `json:"strategy,omitempty"` // all | race | any (default: all)
	Join     string   `json:"join,omitempty"`     // node where branch walks stop; empty means walk to a terminal

	// MergeExpr is an optional jq expression folding the settled branches
	// into one extra state update applied at the join. Its input is
	// {"state": <pre-join state>, "branches": [<final branch states>]} with
	// branches in declaration order; it must yield an object.
	MergeExpr string `json:"merge_expr,omitempty"`
}

// SubgraphConfig is the config block for subgraph nodes.
type SubgraphConfig struct {
	Workflow  string `json:"workflow"`             // name resolved via the workflow resolver
	InputMap  string `json:"input_map,omitempty"`  // jq expression mapping parent state to child state
	OutputMap string `json:"output_map,omitempty"` // jq expression mapping child state to a parent update
}

// ContextMonitorConfig is the config block for context_monitor nodes.
type ContextMonitorConfig struct {
	Threshold float64 `json:"threshold,omitempty"` // usage percentage 0-100 (default 80)
	Action    string  `json:"action,omitempty"`    // summarize | recreate | warn | none
	AgentType string  `json:"agent_type,omitempty"`
}

// ToolConfig is the config block for tool nodes in a definition; the tool name
// is resolved against the registry supplied to graph.FromDefinition.
type ToolConfig struct {
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	Transform string          `json:"transform,omitempty"` // jq expression applied to the tool output
}

// AgentConfig is the config block for agent nodes.
type AgentConfig struct {
	Prompt     string `json:"prompt,omitempty"`
	PromptExpr string `json:"prompt_expr,omitempty"`
	AgentType  string `json:"agent_type,omitempty"`
}
