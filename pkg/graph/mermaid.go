package graph

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a compiled graph as a Mermaid flowchart string, with
// node shapes chosen by kind. Useful for documentation and the workflow.render
// MCP tool.
func RenderMermaid(g *CompiledGraph) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if g.Name() != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", g.Name()))
	}

	for _, id := range g.Nodes() {
		n, _ := g.Node(id)
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(g, n)))
	}

	for _, id := range g.Nodes() {
		for _, e := range g.Edges(id) {
			label := ""
			if e.Label != "" {
				label = fmt.Sprintf("|%s|", e.Label)
			} else if e.Condition != nil {
				label = "|?|"
			}
			b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
				mermaidSafeID(e.From), label, mermaidSafeID(e.To)))
		}
	}

	return b.String()
}

func mermaidNodeDef(g *CompiledGraph, n *Node) string {
	id := mermaidSafeID(n.ID)
	label := n.Name
	if label == "" {
		label = n.ID
	}

	switch {
	case n.ID == g.Start():
		return fmt.Sprintf("%s((%q))", id, label)
	case g.IsEnd(n.ID):
		return fmt.Sprintf("%s((%q))", id, label)
	}

	switch n.Kind {
	case KindDecision:
		return fmt.Sprintf("%s{%q}", id, label)
	case KindWait, KindAskUser:
		return fmt.Sprintf("%s([%q])", id, label)
	case KindParallel:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case KindSubgraph:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case KindContextMonitor:
		return fmt.Sprintf("%s{{%q}}", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}
