// Package graph provides the workflow graph model: the polymorphic node
// contract, built-in node kinds, conditional edges, the fluent builder that
// expands if/else, loop, and parallel constructs into primitive node+edge
// graphs, and the immutable compiled graph the executor walks.
package graph

import (
	"context"
	"time"

	"github.com/rendis/stategraph/pkg/agent"
	"github.com/rendis/stategraph/pkg/schema"
	"github.com/rendis/stategraph/pkg/state"
)

// Kind tags the node variant.
type Kind string

const (
	KindAgent          Kind = "agent"
	KindTool           Kind = "tool"
	KindDecision       Kind = "decision"
	KindWait           Kind = "wait"
	KindAskUser        Kind = "ask_user"
	KindParallel       Kind = "parallel"
	KindSubgraph       Kind = "subgraph"
	KindContextMonitor Kind = "context_monitor"
)

// Resolver looks up a compiled graph by name. Subgraph nodes that reference a
// workflow by name use it instead of carrying the graph value directly.
type Resolver interface {
	Resolve(name string) (*CompiledGraph, bool)
}

// ExecuteContext is the input every node execute operation receives. The
// executor populates it per step; nodes must treat it as read-only.
type ExecuteContext struct {
	// State is the current workflow state. Nodes must not mutate it; changes
	// go through the returned Update.
	State state.State

	// Config is the compiled graph's execution config.
	Config schema.GraphConfig

	// ResolvedModel is the model for this node after resolution against the
	// parent context and graph default. Empty means "let the agent backend
	// choose".
	ResolvedModel string

	// Emit forwards a signal to the execution observer immediately, before
	// the node returns. Signals returned in the NodeResult are forwarded
	// after the state update is applied.
	Emit func(schema.Signal)

	// ContextUsage is the agent session's context-window consumption as of
	// the last measurement, zero-valued when no session is active.
	ContextUsage agent.ContextUsage

	// Errors accumulates prior node failures in this execution, most recent
	// last.
	Errors []error

	// Loops exposes the iteration counter of each active loop, keyed by
	// loop ID.
	Loops map[string]int

	// Provider creates agent sessions for agent-bearing nodes. May be nil.
	Provider agent.Provider

	// Session returns the run-scoped agent session, creating it on first
	// use. All agent nodes in one execution share it, so context-window
	// usage accumulates across them. Injected by the executor when a
	// Provider is configured; nil otherwise.
	Session func(ctx context.Context) (agent.Session, error)

	// Resolver resolves subgraphs by name. May be nil.
	Resolver Resolver

	// RunSubgraph executes a nested compiled graph to completion and returns
	// its final state. Injected by the executor so subgraph nodes never
	// depend on it directly.
	RunSubgraph func(ctx context.Context, g *CompiledGraph, input state.State) (state.State, error)

	// Summarize compacts the active agent session's history. Injected by the
	// executor when a session exists; nil otherwise.
	Summarize func(ctx context.Context) error
}

// NodeResult is the output of a node execute operation.
type NodeResult struct {
	// Update is the partial state to merge through the reducer system.
	Update state.Update

	// Goto overrides edge-based routing: one ID moves control directly to
	// that node, several trigger parallel fan-out.
	Goto []string

	// Signals are forwarded to the observer after the update is applied.
	Signals []schema.Signal
}

// ExecuteFunc is a node's unit of work. It may block on I/O and must honor
// ctx cancellation.
type ExecuteFunc func(ctx context.Context, ec *ExecuteContext) (*NodeResult, error)

// MergeFunc folds the final states of a parallel node's settled branches, in
// branch declaration order, into one state update applied at the join.
type MergeFunc func(branches []state.State) state.Update

// LoopRole distinguishes the two control nodes a loop desugars into.
type LoopRole string

const (
	LoopRoleStart LoopRole = "start"
	LoopRoleCheck LoopRole = "check"
)

// LoopControl marks a builder-synthesized loop control node. The executor
// maintains a first-class iteration counter per loop ID; counters never leak
// into workflow state.
type LoopControl struct {
	ID            string
	Role          LoopRole
	MaxIterations int
}

// Node is a typed unit of work in the graph.
type Node struct {
	ID          string
	Kind        Kind
	Name        string
	Description string
	Phase       string
	PhaseIcon   string

	// Model is this node's declared model. "inherit" or empty falls through
	// to the parent context and then the graph default.
	Model string

	// Timeout bounds a single execute attempt; zero means no limit.
	Timeout time.Duration

	// Retry configures the retry policy; nil means a single attempt.
	Retry *schema.RetryPolicy

	// Loop is set only on builder-synthesized loop control nodes.
	Loop *LoopControl

	// Parallel is set on parallel nodes so the executor can read the merge
	// strategy and join point.
	Parallel *schema.ParallelConfig

	// Merge, when set on a parallel node, folds the settled branches into
	// one extra state update applied at the join. Builder-only counterpart
	// of ParallelConfig.MergeExpr; when both are set, Merge wins.
	Merge MergeFunc

	Execute ExecuteFunc
}
