package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stategraph/internal/expressions"
	"github.com/rendis/stategraph/pkg/schema"
)

// ToolLookup reports whether a tool name is registered. May be nil to skip
// tool existence checks.
type ToolLookup interface {
	Has(name string) bool
}

// ToolLookupFunc adapts a function to the ToolLookup interface.
type ToolLookupFunc func(name string) bool

func (f ToolLookupFunc) Has(name string) bool { return f(name) }

// validateSemantic performs semantic analysis on the graph definition:
// node/edge references resolve, kind-specific config blocks decode and are
// internally consistent, condition expressions compile, tools are registered.
func validateSemantic(def *schema.GraphDefinition, tools ToolLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	engine := expressions.NewExprEngine()

	nodeIDs := make(map[string]string, len(def.Nodes)) // id -> kind
	for _, n := range def.Nodes {
		nodeIDs[n.ID] = n.Kind
	}

	if _, ok := nodeIDs[def.Start]; !ok {
		result.AddError("start", schema.ErrCodeValidation,
			fmt.Sprintf("start references non-existent node %q", def.Start))
	}

	for i := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		validateNodeSemantic(&def.Nodes[i], path, nodeIDs, tools, engine, result)
	}

	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if _, ok := nodeIDs[e.From]; !ok {
			result.AddError(path+".from", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.From))
		}
		if _, ok := nodeIDs[e.To]; !ok {
			result.AddError(path+".to", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.To))
		}
		if e.Condition != "" {
			if err := engine.Check(e.Condition); err != nil {
				result.AddError(path+".condition", schema.ErrCodeValidation, err.Error())
			}
		}
	}

	for i, id := range def.EndNodes {
		if _, ok := nodeIDs[id]; !ok {
			result.AddError(fmt.Sprintf("end_nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", id))
		}
	}

	return result
}

func validateNodeSemantic(n *schema.NodeDefinition, path string, nodeIDs map[string]string, tools ToolLookup, engine *expressions.ExprEngine, result *schema.ValidationResult) {
	if n.Timeout != "" {
		if _, err := time.ParseDuration(n.Timeout); err != nil {
			result.AddError(path+".timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid timeout %q", n.Timeout))
		}
	}

	switch n.Kind {
	case "decision":
		var cfg schema.DecisionConfig
		if !decodeConfig(n.Config, &cfg, path, result) {
			return
		}
		if len(cfg.Routes) == 0 && cfg.Fallback == "" {
			result.AddError(path+".config", schema.ErrCodeValidation,
				"decision node needs at least one route or a fallback")
		}
		for j, route := range cfg.Routes {
			rp := fmt.Sprintf("%s.config.routes[%d]", path, j)
			if _, ok := nodeIDs[route.To]; !ok {
				result.AddError(rp+".to", schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent node %q", route.To))
			}
			if route.When == "" {
				result.AddError(rp+".when", schema.ErrCodeValidation, "route predicate is empty")
			} else if err := engine.Check(route.When); err != nil {
				result.AddError(rp+".when", schema.ErrCodeValidation, err.Error())
			}
		}
		if cfg.Fallback != "" {
			if _, ok := nodeIDs[cfg.Fallback]; !ok {
				result.AddError(path+".config.fallback", schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent node %q", cfg.Fallback))
			}
		}

	case "wait", "ask_user":
		var cfg schema.WaitConfig
		if !decodeConfig(n.Config, &cfg, path, result) {
			return
		}
		if cfg.PromptExpr != "" {
			if err := engine.Check(cfg.PromptExpr); err != nil {
				result.AddError(path+".config.prompt_expr", schema.ErrCodeValidation, err.Error())
			}
		}

	case "parallel":
		var cfg schema.ParallelConfig
		if !decodeConfig(n.Config, &cfg, path, result) {
			return
		}
		if len(cfg.Branches) == 0 {
			result.AddError(path+".config.branches", schema.ErrCodeValidation,
				"parallel node needs at least one branch")
		}
		for j, branch := range cfg.Branches {
			if _, ok := nodeIDs[branch]; !ok {
				result.AddError(fmt.Sprintf("%s.config.branches[%d]", path, j),
					schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent node %q", branch))
			}
		}
		switch cfg.Strategy {
		case "", "all", "race", "any":
		default:
			result.AddError(path+".config.strategy", schema.ErrCodeValidation,
				fmt.Sprintf("unknown strategy %q", cfg.Strategy))
		}
		if cfg.Join != "" {
			if _, ok := nodeIDs[cfg.Join]; !ok {
				result.AddError(path+".config.join", schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent node %q", cfg.Join))
			}
		}

	case "subgraph":
		var cfg schema.SubgraphConfig
		if !decodeConfig(n.Config, &cfg, path, result) {
			return
		}
		if cfg.Workflow == "" {
			result.AddError(path+".config.workflow", schema.ErrCodeValidation,
				"subgraph node needs a workflow name")
		}

	case "context_monitor":
		var cfg schema.ContextMonitorConfig
		if !decodeConfig(n.Config, &cfg, path, result) {
			return
		}
		if cfg.Threshold < 0 || cfg.Threshold > 100 {
			result.AddError(path+".config.threshold", schema.ErrCodeValidation,
				fmt.Sprintf("threshold %.1f is outside 0-100", cfg.Threshold))
		}
		switch cfg.Action {
		case "", "summarize", "recreate", "warn", "none":
		default:
			result.AddError(path+".config.action", schema.ErrCodeValidation,
				fmt.Sprintf("unknown action %q", cfg.Action))
		}

	case "tool":
		var cfg schema.ToolConfig
		if !decodeConfig(n.Config, &cfg, path, result) {
			return
		}
		if cfg.Tool == "" {
			result.AddError(path+".config.tool", schema.ErrCodeValidation,
				"tool node needs a tool name")
		} else if tools != nil && !tools.Has(cfg.Tool) {
			result.AddError(path+".config.tool", schema.ErrCodeValidation,
				fmt.Sprintf("tool %q not registered", cfg.Tool))
		}

	case "agent":
		var cfg schema.AgentConfig
		if !decodeConfig(n.Config, &cfg, path, result) {
			return
		}
		if cfg.PromptExpr != "" {
			if err := engine.Check(cfg.PromptExpr); err != nil {
				result.AddError(path+".config.prompt_expr", schema.ErrCodeValidation, err.Error())
			}
		}
	}
}

// decodeConfig unmarshals a node's raw config block, recording an error and
// returning false when it does not decode.
func decodeConfig(raw json.RawMessage, into any, path string, result *schema.ValidationResult) bool {
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, into); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("config does not decode: %s", err.Error()))
		return false
	}
	return true
}
