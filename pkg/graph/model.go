package graph

// ModelInherit is the sentinel meaning "defer to the enclosing context".
const ModelInherit = "inherit"

// ResolveModel picks the model for a node. Priority: the node's own declared
// model (unless "inherit" or empty), then the model carried in the enclosing
// execution's parent context, then the graph default (unless itself
// "inherit"), then none — empty means the downstream agent chooses its own
// default. Pure function of its inputs; safe for concurrent use.
func ResolveModel(nodeModel, parentModel, graphDefault string) string {
	if nodeModel != "" && nodeModel != ModelInherit {
		return nodeModel
	}
	if parentModel != "" && parentModel != ModelInherit {
		return parentModel
	}
	if graphDefault != "" && graphDefault != ModelInherit {
		return graphDefault
	}
	return ""
}
