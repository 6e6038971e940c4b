package validation

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/stategraph/pkg/schema"
)

// validateReachability performs BFS from the start node over every control
// path a runner can take: declared edges, decision routes, parallel branches
// and joins. Cycles are legal (loops depend on them), so unlike a DAG checker
// this stage only flags nodes no execution can ever reach.
func validateReachability(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	adjacency := make(map[string][]string, len(def.Nodes))
	addEdge := func(from, to string) {
		adjacency[from] = append(adjacency[from], to)
	}

	for _, e := range def.Edges {
		addEdge(e.From, e.To)
	}

	for _, n := range def.Nodes {
		if len(n.Config) == 0 {
			continue
		}
		switch n.Kind {
		case "decision":
			var cfg schema.DecisionConfig
			if json.Unmarshal(n.Config, &cfg) != nil {
				continue // already reported by the semantic stage
			}
			for _, route := range cfg.Routes {
				addEdge(n.ID, route.To)
			}
			if cfg.Fallback != "" {
				addEdge(n.ID, cfg.Fallback)
			}
		case "parallel":
			var cfg schema.ParallelConfig
			if json.Unmarshal(n.Config, &cfg) != nil {
				continue
			}
			for _, branch := range cfg.Branches {
				addEdge(n.ID, branch)
			}
			if cfg.Join != "" {
				addEdge(n.ID, cfg.Join)
			}
		}
	}

	reachable := map[string]bool{def.Start: true}
	queue := []string{def.Start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, n := range def.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%s]", n.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the start node", n.ID))
		}
	}

	return result
}
