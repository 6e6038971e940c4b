package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/stategraph/pkg/schema"
)

// DefaultMaxIterations bounds loops that declare no explicit limit.
const DefaultMaxIterations = 100

// LoopOptions configures a builder loop. Until is evaluated after each body
// pass (do-while); a nil Until loops until MaxIterations is reached.
type LoopOptions struct {
	Until         Condition
	MaxIterations int
}

// ParallelOptions configures a builder parallel block. Each branch is a chain
// of nodes executed sequentially; branches run concurrently with each other.
type ParallelOptions struct {
	Strategy string // all | race | any (default all)
	Branches [][]*Node

	// Merge optionally folds the settled branches into one state update
	// applied at the join, after the per-branch updates.
	Merge MergeFunc
}

type ifFrame struct {
	branchID    string
	cond        Condition
	thenTail    string
	thenPending Condition
	inElse      bool
}

// Builder is a fluent, stateful graph assembler. It is used strictly at
// construction time and is not safe for concurrent use. Errors accumulate and
// surface at Compile so call chains stay fluent.
type Builder struct {
	name  string
	nodes map[string]*Node
	order []string
	edges []Edge
	start string

	tail         string
	pendingCond  Condition
	pendingLabel string

	frames       []*ifFrame
	explicitEnds []string
	seq          int
	errs         []error
}

// New creates a graph builder.
func New(name string) *Builder {
	return &Builder{
		name:  name,
		nodes: make(map[string]*Node),
	}
}

func (b *Builder) fail(format string, args ...any) {
	b.errs = append(b.errs, schema.NewErrorf(schema.ErrCodeConstruction, format, args...))
}

func (b *Builder) nextID(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s_%d", prefix, b.seq)
}

func (b *Builder) register(n *Node) bool {
	if n == nil || n.ID == "" {
		b.fail("node must have an id")
		return false
	}
	if _, dup := b.nodes[n.ID]; dup {
		b.fail("duplicate node id %q", n.ID)
		return false
	}
	b.nodes[n.ID] = n
	b.order = append(b.order, n.ID)
	return true
}

func (b *Builder) addEdge(from, to string, cond Condition, label string) {
	b.edges = append(b.edges, Edge{From: from, To: to, Condition: cond, Label: label})
}

// chain registers a node and links it after the current tail, consuming any
// pending edge condition.
func (b *Builder) chain(n *Node) {
	if !b.register(n) {
		return
	}
	if b.start == "" {
		b.start = n.ID
	} else if b.tail != "" {
		b.addEdge(b.tail, n.ID, b.pendingCond, b.pendingLabel)
	}
	b.tail = n.ID
	b.pendingCond = nil
	b.pendingLabel = ""
}

// Start registers the start node.
func (b *Builder) Start(n *Node) *Builder {
	if b.start != "" {
		b.fail("start node already declared (%q)", b.start)
		return b
	}
	b.chain(n)
	return b
}

// Then appends a node after the current tail. Without a prior Start the node
// is promoted to start.
func (b *Builder) Then(n *Node) *Builder {
	b.chain(n)
	return b
}

// Add registers a node without chaining it. Used together with Edge and
// StartAt when the graph is assembled from an explicit node/edge list instead
// of the fluent chain.
func (b *Builder) Add(n *Node) *Builder {
	b.register(n)
	return b
}

// StartAt declares an already-registered node as the start node.
func (b *Builder) StartAt(id string) *Builder {
	if b.start != "" && b.start != id {
		b.fail("start node already declared (%q)", b.start)
		return b
	}
	b.start = id
	b.tail = id
	return b
}

// Edge adds an explicit conditional edge between two already-registered nodes,
// for control flow the linear chain cannot express.
func (b *Builder) Edge(from, to string, cond Condition, label string) *Builder {
	b.addEdge(from, to, cond, label)
	return b
}

// If opens a conditional branch: nodes added until Else/EndIf form the
// then-branch, entered when cond holds.
func (b *Builder) If(cond Condition) *Builder {
	if cond == nil {
		b.fail("if requires a condition")
		return b
	}
	branch := passNode(b.nextID("branch"))
	branch.Kind = KindDecision
	b.chain(branch)
	b.frames = append(b.frames, &ifFrame{branchID: branch.ID, cond: cond})
	b.pendingCond = cond
	b.pendingLabel = "then"
	return b
}

// Else switches the open conditional to its else-branch.
func (b *Builder) Else() *Builder {
	if len(b.frames) == 0 {
		b.fail("else without an open if")
		return b
	}
	f := b.frames[len(b.frames)-1]
	if f.inElse {
		b.fail("duplicate else")
		return b
	}
	f.thenTail = b.tail
	f.thenPending = b.pendingCond
	f.inElse = true
	b.tail = f.branchID
	b.pendingCond = Not(f.cond)
	b.pendingLabel = "else"
	return b
}

// EndIf closes the innermost conditional, synthesizing a merge node both
// branch tails connect to. Without an Else, the negated condition routes
// straight to the merge node.
func (b *Builder) EndIf() *Builder {
	if len(b.frames) == 0 {
		b.fail("endif without an open if")
		return b
	}
	f := b.frames[len(b.frames)-1]
	b.frames = b.frames[:len(b.frames)-1]

	merge := passNode(b.nextID("merge"))
	if !b.register(merge) {
		return b
	}

	if !f.inElse {
		// Close the then-branch and route the negated condition around it.
		b.addEdge(b.tail, merge.ID, b.pendingCond, "")
		b.addEdge(f.branchID, merge.ID, Not(f.cond), "else")
	} else {
		b.addEdge(f.thenTail, merge.ID, f.thenPending, "")
		b.addEdge(b.tail, merge.ID, b.pendingCond, "")
	}

	b.tail = merge.ID
	b.pendingCond = nil
	b.pendingLabel = ""
	return b
}

// Loop appends a do-while loop over the body nodes: the body always runs once
// before the exit condition is first evaluated. Iteration counters live in
// executor-held loop frames, never in workflow state.
func (b *Builder) Loop(body []*Node, opts LoopOptions) *Builder {
	if len(body) == 0 {
		b.fail("loop requires at least one body node")
		return b
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	loopID := b.nextID("loop")
	start := passNode(loopID + "_start")
	start.Loop = &LoopControl{ID: loopID, Role: LoopRoleStart, MaxIterations: maxIter}
	check := passNode(loopID + "_check")
	check.Loop = &LoopControl{ID: loopID, Role: LoopRoleCheck, MaxIterations: maxIter}

	b.chain(start)
	for _, n := range body {
		b.chain(n)
	}
	b.chain(check)

	// Continue edge comes first so it wins over whatever exit edge is added
	// after the loop.
	b.addEdge(check.ID, body[0].ID, loopContinue(loopID, maxIter, opts.Until), "repeat")
	return b
}

func loopContinue(loopID string, maxIter int, until Condition) Condition {
	return func(ctx context.Context, in ConditionInput) (bool, error) {
		if in.Loops[loopID] >= maxIter {
			return false, nil
		}
		if until == nil {
			return true, nil
		}
		done, err := until(ctx, in)
		if err != nil {
			return false, err
		}
		return !done, nil
	}
}

// Parallel appends a fan-out block: all branches run concurrently, and the
// chain continues at a synthesized join node once the strategy is satisfied.
func (b *Builder) Parallel(opts ParallelOptions) *Builder {
	if len(opts.Branches) == 0 {
		b.fail("parallel requires at least one branch")
		return b
	}

	pID := b.nextID("parallel")
	joinID := pID + "_join"

	heads := make([]string, 0, len(opts.Branches))
	for i, branch := range opts.Branches {
		if len(branch) == 0 {
			b.fail("parallel branch %d is empty", i)
			return b
		}
		heads = append(heads, branch[0].ID)
	}

	pNode := NewParallelNode(pID, schema.ParallelConfig{
		Branches: heads,
		Strategy: opts.Strategy,
		Join:     joinID,
	})
	pNode.Merge = opts.Merge
	b.chain(pNode)

	for i, branch := range opts.Branches {
		for j, n := range branch {
			if !b.register(n) {
				return b
			}
			if j > 0 {
				b.addEdge(branch[j-1].ID, n.ID, nil, "")
			}
		}
		b.addEdge(pID, branch[0].ID, nil, fmt.Sprintf("branch %d", i))
		b.addEdge(branch[len(branch)-1].ID, joinID, nil, "")
	}

	join := passNode(joinID)
	if !b.register(join) {
		return b
	}
	b.tail = joinID
	b.pendingCond = nil
	return b
}

// Wait appends a wait node with a static prompt.
func (b *Builder) Wait(prompt string) *Builder {
	b.chain(NewWaitNode(b.nextID("wait"), schema.WaitConfig{Prompt: prompt}))
	return b
}

// End declares explicit terminal nodes, overriding topology inference.
func (b *Builder) End(ids ...string) *Builder {
	b.explicitEnds = append(b.explicitEnds, ids...)
	return b
}

// Compile validates the assembled graph and returns its immutable form.
// Construction errors (missing start, duplicate id, dangling edge, unclosed
// if) are programmer errors and fail here, never at runtime.
func (b *Builder) Compile(cfg schema.GraphConfig) (*CompiledGraph, error) {
	if len(b.frames) > 0 {
		b.fail("%d unclosed if block(s)", len(b.frames))
	}
	if b.start == "" {
		b.fail("graph has no start node")
	}
	for _, e := range b.edges {
		if _, ok := b.nodes[e.From]; !ok {
			b.fail("edge references unknown node %q", e.From)
		}
		if _, ok := b.nodes[e.To]; !ok {
			b.fail("edge references unknown node %q", e.To)
		}
	}
	for _, id := range b.explicitEnds {
		if _, ok := b.nodes[id]; !ok {
			b.fail("end node %q is not registered", id)
		}
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	edgesByFrom := make(map[string][]Edge, len(b.nodes))
	for _, e := range b.edges {
		edgesByFrom[e.From] = append(edgesByFrom[e.From], e)
	}

	ends := make(map[string]struct{})
	if len(b.explicitEnds) > 0 {
		for _, id := range b.explicitEnds {
			ends[id] = struct{}{}
		}
	} else {
		for _, id := range b.order {
			if len(edgesByFrom[id]) == 0 {
				ends[id] = struct{}{}
			}
		}
	}

	nodes := make(map[string]*Node, len(b.nodes))
	for id, n := range b.nodes {
		nodes[id] = n
	}

	return &CompiledGraph{
		name:     b.name,
		nodes:    nodes,
		order:    append([]string(nil), b.order...),
		edges:    edgesByFrom,
		start:    b.start,
		endNodes: ends,
		config:   cfg,
	}, nil
}
