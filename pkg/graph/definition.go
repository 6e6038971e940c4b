package graph

import (
	"encoding/json"
	"time"

	"github.com/rendis/stategraph/pkg/schema"
)

// ToolRegistry maps tool names to their implementations for graphs declared
// as data.
type ToolRegistry map[string]ToolFunc

// FromDefinition compiles a JSON graph definition. Node kinds map to the
// built-in constructors; edge conditions are expr-lang sources evaluated over
// {state, outputs, loop}. Tool nodes resolve their tool name against the
// supplied registry.
func FromDefinition(def schema.GraphDefinition, tools ToolRegistry) (*CompiledGraph, error) {
	b := New(def.Name)

	for _, nd := range def.Nodes {
		n, err := nodeFromDefinition(nd, tools)
		if err != nil {
			return nil, err
		}
		b.Add(n)
	}

	for _, ed := range def.Edges {
		var cond Condition
		if ed.Condition != "" {
			cond = Expr(ed.Condition)
		}
		b.Edge(ed.From, ed.To, cond, ed.Label)
	}

	if def.Start != "" {
		b.StartAt(def.Start)
	}
	if len(def.EndNodes) > 0 {
		b.End(def.EndNodes...)
	}

	return b.Compile(def.Config)
}

func nodeFromDefinition(nd schema.NodeDefinition, tools ToolRegistry) (*Node, error) {
	if nd.ID == "" {
		return nil, schema.NewError(schema.ErrCodeConstruction, "node definition missing id")
	}

	var n *Node
	switch Kind(nd.Kind) {
	case KindAgent:
		var cfg schema.AgentConfig
		if err := decodeNodeConfig(nd, &cfg); err != nil {
			return nil, err
		}
		n = NewAgentNode(nd.ID, cfg)

	case KindTool:
		var cfg schema.ToolConfig
		if err := decodeNodeConfig(nd, &cfg); err != nil {
			return nil, err
		}
		fn, ok := tools[cfg.Tool]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConstruction,
				"node %q references unknown tool %q", nd.ID, cfg.Tool)
		}
		var params map[string]any
		if len(cfg.Params) > 0 {
			if err := json.Unmarshal(cfg.Params, &params); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeConstruction,
					"node %q has invalid tool params: %s", nd.ID, err.Error()).WithCause(err)
			}
		}
		n = NewToolNode(nd.ID, fn, params, cfg.Transform)

	case KindDecision:
		var cfg schema.DecisionConfig
		if err := decodeNodeConfig(nd, &cfg); err != nil {
			return nil, err
		}
		routes := make([]Route, 0, len(cfg.Routes))
		for _, r := range cfg.Routes {
			routes = append(routes, Route{When: Expr(r.When), To: r.To})
		}
		n = NewDecisionNode(nd.ID, routes, cfg.Fallback)

	case KindWait:
		var cfg schema.WaitConfig
		if err := decodeNodeConfig(nd, &cfg); err != nil {
			return nil, err
		}
		n = NewWaitNode(nd.ID, cfg)

	case KindAskUser:
		var cfg schema.WaitConfig
		if err := decodeNodeConfig(nd, &cfg); err != nil {
			return nil, err
		}
		n = NewAskUserNode(nd.ID, cfg)

	case KindParallel:
		var cfg schema.ParallelConfig
		if err := decodeNodeConfig(nd, &cfg); err != nil {
			return nil, err
		}
		n = NewParallelNode(nd.ID, cfg)

	case KindSubgraph:
		var cfg schema.SubgraphConfig
		if err := decodeNodeConfig(nd, &cfg); err != nil {
			return nil, err
		}
		n = NewSubgraphNode(nd.ID, cfg, nil)

	case KindContextMonitor:
		var cfg schema.ContextMonitorConfig
		if err := decodeNodeConfig(nd, &cfg); err != nil {
			return nil, err
		}
		n = NewContextMonitorNode(nd.ID, cfg)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeConstruction,
			"node %q has unknown kind %q", nd.ID, nd.Kind)
	}

	n.Name = nd.Name
	n.Description = nd.Description
	n.Phase = nd.Phase
	n.PhaseIcon = nd.PhaseIcon
	n.Model = nd.Model
	n.Retry = nd.Retry

	if nd.Timeout != "" {
		d, err := time.ParseDuration(nd.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConstruction,
				"node %q has invalid timeout %q: %s", nd.ID, nd.Timeout, err.Error()).WithCause(err)
		}
		n.Timeout = d
	}

	return n, nil
}

func decodeNodeConfig(nd schema.NodeDefinition, out any) error {
	if len(nd.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(nd.Config, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeConstruction,
			"node %q has invalid %s config: %s", nd.ID, nd.Kind, err.Error()).WithCause(err)
	}
	return nil
}
