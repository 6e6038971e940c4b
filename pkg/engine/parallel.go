package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/stategraph/internal/expressions"
	"github.com/rendis/stategraph/internal/logging"
	"github.com/rendis/stategraph/pkg/graph"
	"github.com/rendis/stategraph/pkg/schema"
	"github.com/rendis/stategraph/pkg/state"
)

// Merge strategies for parallel branch results.
const (
	StrategyAll  = "all"  // succeed only once every branch settles
	StrategyRace = "race" // proceed on first branch to settle, success or not
	StrategyAny  = "any"  // proceed on first branch to succeed; fail only if all fail
)

type branchOutcome struct {
	idx     int
	updates []state.Update
	signals []schema.Signal
	final   state.State
	err     error
}

// runParallel dispatches the branch heads concurrently against a frozen copy
// of the current state, waits per the node's merge strategy, then applies the
// collected updates in branch declaration order so results are reproducible
// across runs. Returns the join node to continue at, or a terminal Result.
func (r *run) runParallel(ctx context.Context, node *graph.Node, heads []string) (string, *Result, error) {
	cfg := node.Parallel
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyAll
	}

	r.emit(schema.EventParallelStarted, map[string]any{
		"node_id":  node.ID,
		"branches": heads,
		"strategy": strategy,
	})

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan branchOutcome, len(heads))
	var wg sync.WaitGroup
	for i, head := range heads {
		wg.Add(1)
		go func(idx int, head string) {
			defer wg.Done()
			updates, signals, final, err := r.walkBranch(branchCtx, head, cfg.Join)
			results <- branchOutcome{idx: idx, updates: updates, signals: signals, final: final, err: err}
		}(i, head)
	}

	settled, err := collectBranches(results, len(heads), strategy)
	cancel()
	wg.Wait()
	close(results)

	// Cancellation at the join point wins over branch outcomes.
	if ctx.Err() != nil {
		result, cerr := r.cancelled(ctx, node.ID)
		if cerr != nil {
			return "", nil, cerr
		}
		return "", result, nil
	}
	if err != nil {
		return "", nil, err
	}

	// Deterministic reduction pass: branch declaration order, not completion
	// order.
	sort.Slice(settled, func(a, b int) bool { return settled[a].idx < settled[b].idx })
	for _, out := range settled {
		for _, u := range out.updates {
			r.st = state.Apply(r.schema, r.st, u)
		}
		r.forwardSignals(out.signals)
	}

	// Optional merge fold: one extra update computed from the settled
	// branches' final states, applied after the per-branch updates.
	if upd, err := r.mergeFold(ctx, node, settled); err != nil {
		return "", nil, err
	} else if len(upd) > 0 {
		r.st = state.Apply(r.schema, r.st, upd)
	}

	r.emit(schema.EventParallelCompleted, map[string]any{
		"node_id":  node.ID,
		"applied":  len(settled),
		"strategy": strategy,
	})

	return cfg.Join, nil, nil
}

// mergeFold evaluates the parallel node's merge hook, if any, over the
// settled branches' final states in declaration order. A MergeFunc set on the
// node takes precedence over a MergeExpr from a JSON definition.
func (r *run) mergeFold(ctx context.Context, node *graph.Node, settled []branchOutcome) (state.Update, error) {
	finals := make([]state.State, 0, len(settled))
	for _, out := range settled {
		finals = append(finals, out.final)
	}

	if node.Merge != nil {
		return node.Merge(finals), nil
	}
	if node.Parallel.MergeExpr == "" {
		return nil, nil
	}

	branches := make([]any, 0, len(finals))
	for _, f := range finals {
		branches = append(branches, map[string]any(f))
	}
	out, err := mergeJQ().Evaluate(ctx, node.Parallel.MergeExpr, map[string]any{
		"state":    map[string]any(r.st),
		"branches": branches,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"parallel merge expression failed: %s", err.Error()).WithNode(node.ID).WithCause(err)
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"parallel merge expression must yield an object, got %T", out).WithNode(node.ID)
	}
	return state.Update(obj), nil
}

var (
	mergeJQOnce sync.Once
	mergeJQEng  *expressions.GoJQEngine
)

func mergeJQ() *expressions.GoJQEngine {
	mergeJQOnce.Do(func() { mergeJQEng = expressions.NewGoJQEngine() })
	return mergeJQEng
}

// collectBranches waits on branch outcomes per the merge strategy and returns
// the outcomes whose updates should be applied.
func collectBranches(results <-chan branchOutcome, total int, strategy string) ([]branchOutcome, error) {
	switch strategy {
	case StrategyAll:
		outcomes := make([]branchOutcome, 0, total)
		for i := 0; i < total; i++ {
			out := <-results
			outcomes = append(outcomes, out)
		}
		// First failure in branch declaration order propagates; no partial
		// updates are applied.
		sort.Slice(outcomes, func(a, b int) bool { return outcomes[a].idx < outcomes[b].idx })
		for _, out := range outcomes {
			if out.err != nil {
				return nil, out.err
			}
		}
		return outcomes, nil

	case StrategyRace:
		// First branch to settle wins, success or failure; the losers'
		// updates are discarded. A failed winner contributes nothing but
		// does not fail the run.
		out := <-results
		if out.err != nil {
			return nil, nil
		}
		return []branchOutcome{out}, nil

	case StrategyAny:
		var firstErr error
		for i := 0; i < total; i++ {
			out := <-results
			if out.err == nil {
				return []branchOutcome{out}, nil
			}
			if firstErr == nil {
				firstErr = out.err
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"all parallel branches failed: %s", firstErr.Error()).WithCause(firstErr)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown parallel strategy %q", strategy)
	}
}

// walkBranch runs one branch from its head until the join node (exclusive) or
// a dead end, against a branch-local view of the frozen pre-dispatch state.
// Updates are collected for the deterministic reduction pass instead of being
// applied to the parent. Human-input signals inside a branch never pause the
// run.
func (r *run) walkBranch(ctx context.Context, head, join string) ([]state.Update, []schema.Signal, state.State, error) {
	br := &run{
		exec:        r.exec,
		g:           r.g,
		schema:      r.schema,
		st:          r.st,
		status:      schema.StatusRunning,
		loops:       make(map[string]int, len(r.loops)),
		executionID: r.executionID,
		parentModel: r.parentModel,
		allowPause:  false,
	}
	for k, v := range r.loops {
		br.loops[k] = v
	}
	defer br.closeSession(ctx)

	var updates []state.Update
	var signals []schema.Signal

	current := head
	for current != "" && current != join {
		if ctx.Err() != nil {
			return nil, nil, nil, schema.NewError(schema.ErrCodeCancelled, "branch cancelled").
				WithCause(ctx.Err())
		}

		node, ok := br.g.Node(current)
		if !ok {
			return nil, nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "graph has no node %q", current)
		}
		if node.Parallel != nil {
			return nil, nil, nil, schema.NewError(schema.ErrCodeExecution,
				"nested parallel fan-out inside a branch is not supported").WithNode(node.ID)
		}

		br.enterLoopNode(node)

		res, err := br.executeWithRetry(logging.WithNodeID(ctx, node.ID), node)
		if err != nil {
			return nil, nil, nil, err
		}

		if len(res.Update) > 0 {
			updates = append(updates, res.Update)
			br.st = state.Apply(br.schema, br.st, res.Update)
		}
		signals = append(signals, res.Signals...)

		if len(res.Goto) == 1 {
			current = res.Goto[0]
			continue
		}
		if len(res.Goto) > 1 {
			return nil, nil, nil, schema.NewError(schema.ErrCodeExecution,
				"multi-target goto inside a branch").WithNode(node.ID)
		}
		next, _, err := br.successors(ctx, node)
		if err != nil {
			return nil, nil, nil, err
		}
		current = next
	}

	return updates, signals, br.st, nil
}
