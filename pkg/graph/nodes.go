package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stategraph/internal/expressions"
	"github.com/rendis/stategraph/pkg/agent"
	"github.com/rendis/stategraph/pkg/schema"
	"github.com/rendis/stategraph/pkg/state"
)

var (
	jqEngineOnce sync.Once
	sharedJQ     *expressions.GoJQEngine
)

func jqEngine() *expressions.GoJQEngine {
	jqEngineOnce.Do(func() { sharedJQ = expressions.NewGoJQEngine() })
	return sharedJQ
}

// passNode is a no-op pass-through used for builder-synthesized control nodes
// (branch heads, merge points, loop control).
func passNode(id string) *Node {
	return &Node{
		ID:   id,
		Kind: KindTool,
		Execute: func(context.Context, *ExecuteContext) (*NodeResult, error) {
			return &NodeResult{}, nil
		},
	}
}

// Route is one (predicate, target) entry in a decision node's route table.
type Route struct {
	When Condition
	To   string
}

// NewDecisionNode builds a decision node. Routes are evaluated in order and
// the first match wins; when none match, control goes to fallback. An empty
// fallback with no matching route is an execution error.
func NewDecisionNode(id string, routes []Route, fallback string) *Node {
	return &Node{
		ID:   id,
		Kind: KindDecision,
		Execute: func(ctx context.Context, ec *ExecuteContext) (*NodeResult, error) {
			in := ConditionInput{State: ec.State, Loops: ec.Loops}
			for _, r := range routes {
				ok, err := r.When(ctx, in)
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeExecution,
						"decision route to %q failed: %s", r.To, err.Error()).
						WithNode(id).WithCause(err)
				}
				if ok {
					return &NodeResult{Goto: []string{r.To}}, nil
				}
			}
			if fallback == "" {
				return nil, schema.NewError(schema.ErrCodeExecution,
					"no decision route matched and no fallback declared").WithNode(id)
			}
			return &NodeResult{Goto: []string{fallback}}, nil
		},
	}
}

func resolvePrompt(ctx context.Context, st state.State, loops map[string]int, static, exprSrc string) (string, error) {
	if exprSrc == "" {
		return static, nil
	}
	out, err := exprEngine().Evaluate(ctx, exprSrc, expressions.BuildData(st, loops))
	if err != nil {
		return "", err
	}
	return fmt.Sprint(out), nil
}

func newHumanInputNode(id string, kind Kind, cfg schema.WaitConfig) *Node {
	return &Node{
		ID:   id,
		Kind: kind,
		Execute: func(ctx context.Context, ec *ExecuteContext) (*NodeResult, error) {
			prompt, err := resolvePrompt(ctx, ec.State, ec.Loops, cfg.Prompt, cfg.PromptExpr)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"prompt expression failed: %s", err.Error()).WithNode(id).WithCause(err)
			}

			correlationID := uuid.NewString()
			pending := map[string]any{
				"correlationId": correlationID,
				"prompt":        prompt,
				"status":        "waiting",
			}

			update := state.WithOutput(id, pending)
			if cfg.StateKey != "" {
				update[cfg.StateKey] = pending
			}

			return &NodeResult{
				Update: update,
				Signals: []schema.Signal{{
					Type:          schema.SignalHumanInputRequired,
					NodeID:        id,
					CorrelationID: correlationID,
					Prompt:        prompt,
					Timestamp:     time.Now().UTC(),
				}},
			}, nil
		},
	}
}

// NewWaitNode builds a node that emits a human_input_required signal and
// suspends execution until the caller resumes with an answer.
func NewWaitNode(id string, cfg schema.WaitConfig) *Node {
	return newHumanInputNode(id, KindWait, cfg)
}

// NewAskUserNode is a wait node that expects a free-form answer rather than
// an approval.
func NewAskUserNode(id string, cfg schema.WaitConfig) *Node {
	return newHumanInputNode(id, KindAskUser, cfg)
}

// NewParallelNode builds a fan-out node. The executor performs the actual
// concurrent dispatch and merge; the node only declares the branch heads.
func NewParallelNode(id string, cfg schema.ParallelConfig) *Node {
	return &Node{
		ID:       id,
		Kind:     KindParallel,
		Parallel: &cfg,
		Execute: func(ctx context.Context, ec *ExecuteContext) (*NodeResult, error) {
			if len(cfg.Branches) == 0 {
				return nil, schema.NewError(schema.ErrCodeExecution,
					"parallel node declares no branches").WithNode(id)
			}
			return &NodeResult{Goto: append([]string(nil), cfg.Branches...)}, nil
		},
	}
}

func applyJQMap(ctx context.Context, expression string, data map[string]any) (map[string]any, error) {
	out, err := jqEngine().Evaluate(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"state mapper %q must produce an object, got %T", expression, out)
	}
	return m, nil
}

// NewSubgraphNode builds a node that runs a nested compiled graph as one
// atomic step of the parent. The graph is either supplied directly or, when
// direct is nil, resolved by cfg.Workflow through the injected resolver.
// InputMap and OutputMap are jq expressions; when absent, the parent state is
// passed through and the child's final state is recorded as the node output.
func NewSubgraphNode(id string, cfg schema.SubgraphConfig, direct *CompiledGraph) *Node {
	return &Node{
		ID:   id,
		Kind: KindSubgraph,
		Execute: func(ctx context.Context, ec *ExecuteContext) (*NodeResult, error) {
			target := direct
			if target == nil {
				if ec.Resolver == nil {
					return nil, schema.NewErrorf(schema.ErrCodeNotFound,
						"workflow %q requires a resolver and none is configured", cfg.Workflow).WithNode(id)
				}
				g, ok := ec.Resolver.Resolve(cfg.Workflow)
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeNotFound,
						"workflow %q not found", cfg.Workflow).WithNode(id)
				}
				target = g
			}
			if ec.RunSubgraph == nil {
				return nil, schema.NewError(schema.ErrCodeExecution,
					"subgraph execution is not available in this context").WithNode(id)
			}

			input := state.State(map[string]any(ec.State))
			if cfg.InputMap != "" {
				mapped, err := applyJQMap(ctx, cfg.InputMap, map[string]any(ec.State))
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeExecution,
						"input mapper failed: %s", err.Error()).WithNode(id).WithCause(err)
				}
				input = state.State(mapped)
			}

			final, err := ec.RunSubgraph(ctx, target, input)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"nested workflow failed: %s", err.Error()).WithNode(id).WithCause(err)
			}

			if cfg.OutputMap != "" {
				mapped, err := applyJQMap(ctx, cfg.OutputMap, map[string]any(final))
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeExecution,
						"output mapper failed: %s", err.Error()).WithNode(id).WithCause(err)
				}
				return &NodeResult{Update: state.Update(mapped)}, nil
			}
			return &NodeResult{Update: state.WithOutput(id, map[string]any(final))}, nil
		},
	}
}

// Context-monitor actions.
const (
	MonitorActionSummarize = "summarize"
	MonitorActionRecreate  = "recreate"
	MonitorActionWarn      = "warn"
	MonitorActionNone      = "none"
)

// defaultMonitorActions maps agent types to the action taken when the context
// window crosses the threshold.
var defaultMonitorActions = map[string]string{
	"interactive": MonitorActionSummarize,
	"batch":       MonitorActionRecreate,
	"review":      MonitorActionWarn,
}

const defaultMonitorThreshold = 80.0

// NewContextMonitorNode builds a node comparing the session's context-window
// usage against a threshold. On exceedance it summarizes, emits a
// recreate_session signal, warns, or no-ops — by explicit config or the
// agent-type default.
func NewContextMonitorNode(id string, cfg schema.ContextMonitorConfig) *Node {
	return &Node{
		ID:   id,
		Kind: KindContextMonitor,
		Execute: func(ctx context.Context, ec *ExecuteContext) (*NodeResult, error) {
			threshold := cfg.Threshold
			if threshold <= 0 {
				threshold = defaultMonitorThreshold
			}

			usage := ec.ContextUsage.UsagePercentage
			record := map[string]any{
				"usagePercentage": usage,
				"threshold":       threshold,
				"exceeded":        usage >= threshold,
			}
			if usage < threshold {
				return &NodeResult{Update: state.WithOutput(id, record)}, nil
			}

			action := cfg.Action
			if action == "" {
				action = defaultMonitorActions[cfg.AgentType]
			}
			if action == "" {
				action = MonitorActionWarn
			}
			record["action"] = action

			res := &NodeResult{Update: state.WithOutput(id, record)}
			switch action {
			case MonitorActionSummarize:
				if ec.Summarize != nil {
					if err := ec.Summarize(ctx); err != nil {
						return nil, schema.NewErrorf(schema.ErrCodeExecution,
							"summarization failed: %s", err.Error()).WithNode(id).WithCause(err)
					}
					break
				}
				// No session to summarize; degrade to a warning.
				res.Signals = append(res.Signals, contextSignal(schema.SignalContextWindowWarning, id, usage, threshold))
			case MonitorActionRecreate:
				res.Signals = append(res.Signals, contextSignal(schema.SignalRecreateSession, id, usage, threshold))
			case MonitorActionWarn:
				res.Signals = append(res.Signals, contextSignal(schema.SignalContextWindowWarning, id, usage, threshold))
			case MonitorActionNone:
			default:
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"unknown context monitor action %q", action).WithNode(id)
			}
			return res, nil
		},
	}
}

func contextSignal(t schema.SignalType, nodeID string, usage, threshold float64) schema.Signal {
	return schema.Signal{
		Type:   t,
		NodeID: nodeID,
		Payload: map[string]any{
			"usagePercentage": usage,
			"threshold":       threshold,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewAgentNode builds a node that drives a conversational agent session: it
// resolves the prompt, streams it through the run's shared session, and
// records the collected response as the node output. When no session hook is
// injected it falls back to a throwaway session from the provider.
func NewAgentNode(id string, cfg schema.AgentConfig) *Node {
	return &Node{
		ID:   id,
		Kind: KindAgent,
		Execute: func(ctx context.Context, ec *ExecuteContext) (*NodeResult, error) {
			if ec.Provider == nil {
				return nil, schema.NewError(schema.ErrCodeExecution,
					"no agent provider configured").WithNode(id)
			}

			prompt, err := resolvePrompt(ctx, ec.State, ec.Loops, cfg.Prompt, cfg.PromptExpr)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"prompt expression failed: %s", err.Error()).WithNode(id).WithCause(err)
			}

			var session agent.Session
			if ec.Session != nil {
				// Shared run session: the executor owns its lifetime.
				session, err = ec.Session(ctx)
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeExecution,
						"session unavailable: %s", err.Error()).WithNode(id).WithCause(err)
				}
			} else {
				s, err := ec.Provider.CreateSession(ctx, agent.SessionConfig{
					Model:     ec.ResolvedModel,
					AgentType: cfg.AgentType,
				})
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeExecution,
						"create session failed: %s", err.Error()).WithNode(id).WithCause(err)
				}
				defer s.Destroy(context.WithoutCancel(ctx))
				session = s
			}

			stream, err := session.Stream(ctx, prompt)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"stream failed: %s", err.Error()).WithNode(id).WithCause(err)
			}

			var sb strings.Builder
			for msg := range stream {
				sb.WriteString(msg.Content)
			}
			if ctx.Err() != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "agent stream cancelled").
					WithNode(id).WithCause(ctx.Err())
			}

			return &NodeResult{
				Update: state.WithOutput(id, map[string]any{
					"response": sb.String(),
					"model":    ec.ResolvedModel,
				}),
			}, nil
		},
	}
}

// ToolFunc is the unit of work a tool node wraps. Params come from the node
// config; implementations must honor ctx cancellation.
type ToolFunc func(ctx context.Context, params map[string]any, st state.State) (any, error)

// NewToolNode builds a node that invokes a tool function and records its
// output. transform, when non-empty, is a jq expression applied to the raw
// tool output before it is stored.
func NewToolNode(id string, tool ToolFunc, params map[string]any, transform string) *Node {
	return &Node{
		ID:   id,
		Kind: KindTool,
		Execute: func(ctx context.Context, ec *ExecuteContext) (*NodeResult, error) {
			if tool == nil {
				return nil, schema.NewError(schema.ErrCodeExecution, "tool function is nil").WithNode(id)
			}
			out, err := tool(ctx, params, ec.State)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeNodeFailed,
					"tool failed: %s", err.Error()).WithNode(id).WithCause(err)
			}
			if transform != "" {
				data, ok := out.(map[string]any)
				if !ok {
					data = map[string]any{"output": out}
				}
				out, err = jqEngine().Evaluate(ctx, transform, data)
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeExecution,
						"output transform failed: %s", err.Error()).WithNode(id).WithCause(err)
				}
			}
			return &NodeResult{Update: state.WithOutput(id, out)}, nil
		},
	}
}
