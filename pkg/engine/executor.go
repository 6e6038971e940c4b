// Package engine implements the graph executor: it walks a compiled graph
// from its start node, applies node state updates through the reducer system,
// evaluates edge conditions, dispatches parallel branches, maintains loop
// frames, retries failed nodes, checkpoints, and suspends/resumes on human
// input.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stategraph/internal/logging"
	"github.com/rendis/stategraph/pkg/agent"
	"github.com/rendis/stategraph/pkg/checkpoint"
	"github.com/rendis/stategraph/pkg/graph"
	"github.com/rendis/stategraph/pkg/schema"
	"github.com/rendis/stategraph/pkg/state"
)

// Observer receives execution events and node signals. Implementations must
// be safe for concurrent use; parallel branches emit concurrently.
type Observer interface {
	OnEvent(executionID, event string, payload map[string]any)
	OnSignal(sig schema.Signal)
}

type noopObserver struct{}

func (noopObserver) OnEvent(string, string, map[string]any) {}
func (noopObserver) OnSignal(schema.Signal)                 {}

// Executor runs compiled graphs. It holds no per-execution state, so one
// executor can drive any number of concurrent executions; all collaborators
// are injected at construction and read-only thereafter.
type Executor struct {
	checkpointer checkpoint.Checkpointer
	provider     agent.Provider
	resolver     graph.Resolver
	observer     Observer
	logger       *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithCheckpointer sets the snapshot store used for interval saves and
// suspension.
func WithCheckpointer(cp checkpoint.Checkpointer) Option {
	return func(e *Executor) { e.checkpointer = cp }
}

// WithProvider sets the agent-session provider available to agent-bearing
// nodes.
func WithProvider(p agent.Provider) Option {
	return func(e *Executor) { e.provider = p }
}

// WithResolver sets the workflow-by-name resolver available to subgraph
// nodes.
func WithResolver(r graph.Resolver) Option {
	return func(e *Executor) { e.resolver = r }
}

// WithObserver sets the event/signal observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		observer: noopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of a Run or Resume call.
type Result struct {
	ExecutionID string
	Status      schema.ExecutionStatus
	State       state.State
	// Snapshot is set when the execution paused or was cancelled, and is
	// sufficient to resume.
	Snapshot *checkpoint.Snapshot
	// Err carries the node failure when Status is failed.
	Err error
}

// run is the per-execution state of one drive loop. Never shared across
// goroutines except through cloneForBranch.
type run struct {
	exec        *Executor
	g           *graph.CompiledGraph
	schema      state.Schema
	st          state.State
	status      schema.ExecutionStatus
	loops       map[string]int
	loopOrder   []string
	executionID string
	parentModel string
	errs        []error
	steps       int
	// allowPause is false inside parallel branches and nested subgraph runs:
	// human-input signals there are forwarded but never suspend the parent.
	allowPause bool

	// session is the run-scoped agent session, created lazily on first use
	// and shared by every agent node in this run. usage caches the last
	// context-window measurement taken from it.
	session agent.Session
	usage   agent.ContextUsage
}

// ensureSession returns the run's shared agent session, creating it on first
// use. Branch and subgraph runs hold their own sessions.
func (r *run) ensureSession(ctx context.Context) (agent.Session, error) {
	if r.session != nil {
		return r.session, nil
	}
	if r.exec.provider == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no agent provider configured")
	}
	s, err := r.exec.provider.CreateSession(ctx, agent.SessionConfig{
		Model: graph.ResolveModel("", r.parentModel, r.g.Config().DefaultModel),
	})
	if err != nil {
		return nil, err
	}
	r.session = s
	return s, nil
}

// refreshUsage re-measures the session's context-window consumption. A nil
// session leaves the cached usage untouched.
func (r *run) refreshUsage(ctx context.Context) {
	if r.session == nil {
		return
	}
	usage, err := r.session.GetContextUsage(ctx)
	if err != nil {
		logging.LogWith(ctx, r.exec.logger).Warn("context usage query failed", "error", err.Error())
		return
	}
	r.usage = usage
}

// closeSession destroys the run's session, if any. Destruction survives a
// cancelled parent context so backend resources are not leaked on cancel.
func (r *run) closeSession(ctx context.Context) {
	if r.session == nil {
		return
	}
	if err := r.session.Destroy(context.WithoutCancel(ctx)); err != nil {
		logging.LogWith(ctx, r.exec.logger).Warn("agent session destroy failed", "error", err.Error())
	}
	r.session = nil
	r.usage = agent.ContextUsage{}
}

// Run executes a compiled graph from its start node. sch declares the state
// reducer schema (nil uses the base schema); overrides seed initial state on
// top of the schema defaults.
func (e *Executor) Run(ctx context.Context, g *graph.CompiledGraph, sch state.Schema, overrides state.Update) (*Result, error) {
	if sch == nil {
		sch = state.BaseSchema()
	}

	executionID := uuid.NewString()
	st := state.Initialize(sch)
	st[state.KeyExecutionID] = executionID
	if len(overrides) > 0 {
		st = state.Apply(sch, st, overrides)
	}

	r := &run{
		exec:        e,
		g:           g,
		schema:      sch,
		st:          st,
		status:      schema.StatusPending,
		loops:       make(map[string]int),
		executionID: executionID,
		allowPause:  true,
	}

	ctx = logging.WithExecutionID(logging.WithGraphName(ctx, g.Name()), executionID)

	if err := r.setStatus(schema.StatusRunning); err != nil {
		return nil, err
	}
	r.emit(schema.EventExecutionStarted, map[string]any{"graph": g.Name(), "start": g.Start()})
	logging.LogWith(ctx, e.logger).Info("execution started", "start", g.Start())

	defer r.closeSession(ctx)
	return r.drive(ctx, g.Start())
}

// Resume continues a paused execution from its snapshot. answer, when
// non-nil, is recorded as the waiting node's response under the correlation
// ID that was emitted with the original human-input signal; control then
// moves to the node logically following the wait node. A resumed run behaves
// identically to a fresh run from that point, captured loop counters
// included.
func (e *Executor) Resume(ctx context.Context, g *graph.CompiledGraph, sch state.Schema, snap *checkpoint.Snapshot, answer any) (*Result, error) {
	if sch == nil {
		sch = state.BaseSchema()
	}
	if snap == nil || len(snap.CurrentNodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "snapshot has no current node")
	}

	restored, err := snap.Clone()
	if err != nil {
		return nil, err
	}

	r := &run{
		exec:        e,
		g:           g,
		schema:      sch,
		st:          restored.State,
		status:      restored.Status,
		loops:       make(map[string]int),
		executionID: restored.ExecutionID,
		allowPause:  true,
	}
	for _, frame := range restored.LoopFrames {
		r.loops[frame.LoopID] = frame.Counter
		r.loopOrder = append(r.loopOrder, frame.LoopID)
	}

	ctx = logging.WithExecutionID(logging.WithGraphName(ctx, g.Name()), r.executionID)

	// The snapshot status describes the run that wrote it, not this one: a
	// pending snapshot resumes like a fresh start, a running snapshot was an
	// interval checkpoint mid-drive, and a cancelled snapshot replays from
	// the point the cancel landed. Only paused goes through the transition
	// table; completed and failed snapshots stay unresumable.
	switch r.status {
	case schema.StatusPending, schema.StatusRunning, schema.StatusCancelled:
		r.status = schema.StatusRunning
	default:
		if err := r.setStatus(schema.StatusRunning); err != nil {
			return nil, err
		}
	}
	r.emit(schema.EventExecutionResumed, map[string]any{"nodes": restored.CurrentNodes})
	defer r.closeSession(ctx)

	waiting := restored.CurrentNodes[0]
	waitNode, ok := g.Node(waiting)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"snapshot references unknown node %q", waiting)
	}

	// A snapshot taken at a wait node records the answer and continues at the
	// wait node's successor. Any other snapshot re-enters at the captured
	// node directly.
	if answer != nil || isHumanInputKind(waitNode.Kind) {
		correlationID, _ := restored.Metadata["correlation_id"].(string)
		if correlationID == "" {
			if pending, ok := r.st.Output(waiting); ok {
				if m, ok := pending.(map[string]any); ok {
					correlationID, _ = m["correlationId"].(string)
				}
			}
		}
		r.st = state.Apply(r.schema, r.st, state.WithOutput(waiting, map[string]any{
			"correlationId": correlationID,
			"answer":        answer,
			"status":        "answered",
		}))

		next, res, err := r.successors(ctx, waitNode)
		if err != nil {
			return r.failed(ctx, waitNode.ID, err)
		}
		if res != nil {
			return res, nil
		}
		return r.drive(ctx, next)
	}

	return r.drive(ctx, waiting)
}

func isHumanInputKind(k graph.Kind) bool {
	return k == graph.KindWait || k == graph.KindAskUser
}

func (r *run) setStatus(to schema.ExecutionStatus) error {
	next, err := transition(r.status, to)
	if err != nil {
		return err
	}
	r.status = next
	return nil
}

func (r *run) emit(event string, payload map[string]any) {
	r.exec.observer.OnEvent(r.executionID, event, payload)
}

func (r *run) forwardSignals(signals []schema.Signal) {
	for _, sig := range signals {
		r.exec.observer.OnSignal(sig)
		r.emit(schema.EventSignalEmitted, map[string]any{
			"type":    string(sig.Type),
			"node_id": sig.NodeID,
		})
		// A recreate request retires the shared session; the next agent node
		// starts a fresh one with an empty context window.
		if sig.Type == schema.SignalRecreateSession {
			r.closeSession(context.Background())
		}
	}
}

// drive is the main single-threaded walk. It returns when the execution
// reaches a terminal status or suspends.
func (r *run) drive(ctx context.Context, current string) (*Result, error) {
	for current != "" {
		if ctx.Err() != nil {
			return r.cancelled(ctx, current)
		}

		node, ok := r.g.Node(current)
		if !ok {
			return r.failed(ctx, current, schema.NewErrorf(schema.ErrCodeNotFound,
				"graph has no node %q", current))
		}

		r.enterLoopNode(node)

		nodeCtx := logging.WithNodeID(ctx, node.ID)
		r.emit(schema.EventNodeStarted, map[string]any{"node_id": node.ID, "kind": string(node.Kind)})

		res, err := r.executeWithRetry(nodeCtx, node)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx, current)
			}
			return r.failed(ctx, node.ID, err)
		}

		if len(res.Update) > 0 {
			r.st = state.Apply(r.schema, r.st, res.Update)
		}
		r.st = state.Apply(r.schema, r.st, state.Update{state.KeyLastUpdated: time.Now().UTC()})
		r.steps++

		r.emit(schema.EventNodeCompleted, map[string]any{"node_id": node.ID})
		r.forwardSignals(res.Signals)

		if r.allowPause && !r.g.Config().AutoApprove {
			if sig, ok := humanInputSignal(res.Signals); ok {
				return r.paused(ctx, node.ID, sig)
			}
		}

		// Parallel fan-out: dispatch branches, then continue at the join.
		if node.Parallel != nil && len(res.Goto) > 0 {
			next, result, err := r.runParallel(ctx, node, res.Goto)
			if err != nil {
				return r.failed(ctx, node.ID, err)
			}
			if result != nil {
				return result, nil
			}
			current = next
			r.maybeIntervalCheckpoint(ctx, current)
			continue
		}

		var next string
		if len(res.Goto) == 1 {
			next = res.Goto[0]
		} else if len(res.Goto) > 1 {
			return r.failed(ctx, node.ID, schema.NewError(schema.ErrCodeExecution,
				"multi-target goto outside a parallel node").WithNode(node.ID))
		} else {
			var result *Result
			next, result, err = r.successors(ctx, node)
			if err != nil {
				return r.failed(ctx, node.ID, err)
			}
			if result != nil {
				return result, nil
			}
		}

		current = next
		r.maybeIntervalCheckpoint(ctx, current)
	}

	return r.completed(ctx)
}

// successors evaluates a node's outgoing edges in declaration order and
// returns the first whose condition holds. A nil next with a nil Result means
// the walk has nowhere to go and completes.
func (r *run) successors(ctx context.Context, node *graph.Node) (string, *Result, error) {
	in := graph.ConditionInput{State: r.st, Loops: r.loops}
	for _, e := range r.g.Edges(node.ID) {
		if e.Condition == nil {
			return e.To, nil, nil
		}
		ok, err := e.Condition(ctx, in)
		if err != nil {
			return "", nil, schema.NewErrorf(schema.ErrCodeExecution,
				"edge condition %s -> %s failed: %s", e.From, e.To, err.Error()).
				WithNode(node.ID).WithCause(err)
		}
		if ok {
			return e.To, nil, nil
		}
	}
	return "", nil, nil
}

func humanInputSignal(signals []schema.Signal) (schema.Signal, bool) {
	for _, sig := range signals {
		if sig.Type == schema.SignalHumanInputRequired {
			return sig, true
		}
	}
	return schema.Signal{}, false
}

// enterLoopNode maintains loop frames: a loop-start seeds the counter, a
// loop-check counts a completed body pass.
func (r *run) enterLoopNode(node *graph.Node) {
	if node.Loop == nil {
		return
	}
	switch node.Loop.Role {
	case graph.LoopRoleStart:
		// The internal repeat edge re-enters at the body head, never here,
		// so reaching the start node always opens a fresh frame. Resetting
		// unconditionally keeps an external re-entry from inheriting the
		// counter of a finished pass.
		if _, active := r.loops[node.Loop.ID]; !active {
			r.loopOrder = append(r.loopOrder, node.Loop.ID)
		}
		r.loops[node.Loop.ID] = 0
		r.emit(schema.EventLoopIterStarted, map[string]any{"loop_id": node.Loop.ID, "iteration": 1})
	case graph.LoopRoleCheck:
		r.loops[node.Loop.ID]++
		r.emit(schema.EventLoopIterCompleted, map[string]any{
			"loop_id":   node.Loop.ID,
			"iteration": r.loops[node.Loop.ID],
		})
	}
}

// executeWithRetry runs a node's execute operation under its timeout and
// retry policy. The final failure carries the node ID, attempt count, and
// underlying cause.
func (r *run) executeWithRetry(ctx context.Context, node *graph.Node) (*graph.NodeResult, error) {
	attempts := maxAttempts(node.Retry)
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := r.executeOnce(ctx, node)
		if err == nil {
			if res == nil {
				res = &graph.NodeResult{}
			}
			return res, nil
		}
		lastErr = err
		r.errs = append(r.errs, err)

		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").
				WithNode(node.ID).WithCause(ctx.Err())
		}
		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == attempts {
			break
		}

		r.emit(schema.EventNodeRetrying, map[string]any{
			"node_id": node.ID,
			"attempt": attempt,
		})
		logging.LogWith(ctx, r.exec.logger).Warn("node failed, retrying",
			"attempt", attempt, "error", err.Error())
		if serr := sleepCtx(ctx, retryDelay(node.Retry, attempt)); serr != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").
				WithNode(node.ID).WithCause(serr)
		}
	}

	if attempts > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"node failed after %d attempts: %s", attempts, lastErr.Error()).
			WithNode(node.ID).WithAttempt(attempts).WithCause(lastErr)
	}
	return nil, lastErr
}

// executeOnce races a single execute attempt against the node's timeout.
func (r *run) executeOnce(ctx context.Context, node *graph.Node) (*graph.NodeResult, error) {
	execCtx := ctx
	var cancel context.CancelFunc
	if node.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	// Context-monitor nodes act on the session's current consumption, so the
	// cached measurement is refreshed right before they run.
	if node.Kind == graph.KindContextMonitor {
		r.refreshUsage(execCtx)
	}

	res, err := node.Execute(execCtx, r.buildExecContext(node))
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"node exceeded its %s timeout", node.Timeout).WithNode(node.ID).WithCause(err)
		}
		return nil, err
	}
	// A node that swallows the deadline internally still counts as timed out.
	if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"node exceeded its %s timeout", node.Timeout).WithNode(node.ID)
	}
	return res, err
}

func (r *run) buildExecContext(node *graph.Node) *graph.ExecuteContext {
	loops := make(map[string]int, len(r.loops))
	for k, v := range r.loops {
		loops[k] = v
	}
	ec := &graph.ExecuteContext{
		State:         r.st,
		Config:        r.g.Config(),
		ResolvedModel: graph.ResolveModel(node.Model, r.parentModel, r.g.Config().DefaultModel),
		Emit:          r.exec.observer.OnSignal,
		ContextUsage:  r.usage,
		Errors:        append([]error(nil), r.errs...),
		Loops:         loops,
		Provider:      r.exec.provider,
		Resolver:      r.exec.resolver,
		RunSubgraph:   r.runSubgraph,
	}
	if r.exec.provider != nil {
		ec.Session = r.ensureSession
		ec.Summarize = func(ctx context.Context) error {
			s, err := r.ensureSession(ctx)
			if err != nil {
				return err
			}
			if err := s.Summarize(ctx); err != nil {
				return err
			}
			r.refreshUsage(ctx)
			return nil
		}
	}
	return ec
}

// runSubgraph executes a nested compiled graph to completion as one atomic
// step. The nested run inherits the parent's context, so parent cancellation
// interrupts it mid-flight; it never suspends the parent — human-input
// signals inside it are forwarded but do not pause.
func (r *run) runSubgraph(ctx context.Context, cg *graph.CompiledGraph, input state.State) (state.State, error) {
	childState := state.State(map[string]any(input))
	if childState == nil {
		childState = state.State{}
	}
	if childState.ExecutionID() == "" {
		childState = state.Apply(r.schema, childState, state.Update{
			state.KeyExecutionID: uuid.NewString(),
		})
	}

	child := &run{
		exec:        r.exec,
		g:           cg,
		schema:      r.schema,
		st:          childState,
		status:      schema.StatusRunning,
		loops:       make(map[string]int),
		executionID: childState.ExecutionID(),
		parentModel: graph.ResolveModel("", r.parentModel, r.g.Config().DefaultModel),
		allowPause:  false,
	}

	defer child.closeSession(ctx)
	result, err := child.drive(logging.WithGraphName(ctx, cg.Name()), cg.Start())
	if err != nil {
		return nil, err
	}
	switch result.Status {
	case schema.StatusCompleted:
		return result.State, nil
	case schema.StatusFailed:
		return nil, result.Err
	case schema.StatusCancelled:
		return nil, schema.NewError(schema.ErrCodeCancelled, "nested workflow cancelled")
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"nested workflow ended in unexpected status %s", result.Status)
	}
}

// --- terminal and suspension outcomes ---

func (r *run) completed(ctx context.Context) (*Result, error) {
	if err := r.setStatus(schema.StatusCompleted); err != nil {
		return nil, err
	}
	r.emit(schema.EventExecutionCompleted, map[string]any{"steps": r.steps})
	logging.LogWith(ctx, r.exec.logger).Info("execution completed", "steps", r.steps)
	return &Result{
		ExecutionID: r.executionID,
		Status:      r.status,
		State:       r.st,
	}, nil
}

func (r *run) failed(ctx context.Context, nodeID string, cause error) (*Result, error) {
	if err := r.setStatus(schema.StatusFailed); err != nil {
		return nil, err
	}
	r.emit(schema.EventExecutionFailed, map[string]any{"node_id": nodeID, "error": cause.Error()})
	logging.LogWith(ctx, r.exec.logger).Error("execution failed",
		"node_id", nodeID, "error", cause.Error())
	return &Result{
		ExecutionID: r.executionID,
		Status:      r.status,
		State:       r.st,
		Err:         cause,
	}, cause
}

func (r *run) cancelled(ctx context.Context, current string) (*Result, error) {
	if err := r.setStatus(schema.StatusCancelled); err != nil {
		return nil, err
	}
	snap := r.snapshot([]string{current}, "cancelled", nil)
	r.saveSnapshot(ctx, snap)
	r.emit(schema.EventExecutionCancelled, map[string]any{"node_id": current})
	logging.LogWith(ctx, r.exec.logger).Info("execution cancelled", "node_id", current)
	return &Result{
		ExecutionID: r.executionID,
		Status:      r.status,
		State:       r.st,
		Snapshot:    snap,
	}, nil
}

func (r *run) paused(ctx context.Context, nodeID string, sig schema.Signal) (*Result, error) {
	if err := r.setStatus(schema.StatusPaused); err != nil {
		return nil, err
	}
	snap := r.snapshot([]string{nodeID}, "paused", map[string]any{
		"waiting_node":   nodeID,
		"correlation_id": sig.CorrelationID,
		"prompt":         sig.Prompt,
	})
	r.saveSnapshot(ctx, snap)
	r.emit(schema.EventExecutionPaused, map[string]any{
		"node_id":        nodeID,
		"correlation_id": sig.CorrelationID,
	})
	logging.LogWith(ctx, r.exec.logger).Info("execution paused for human input",
		"node_id", nodeID, "correlation_id", sig.CorrelationID)
	return &Result{
		ExecutionID: r.executionID,
		Status:      r.status,
		State:       r.st,
		Snapshot:    snap,
	}, nil
}

// --- checkpointing ---

func (r *run) snapshot(currentNodes []string, label string, metadata map[string]any) *checkpoint.Snapshot {
	frames := make([]checkpoint.LoopFrame, 0, len(r.loopOrder))
	for _, id := range r.loopOrder {
		if counter, ok := r.loops[id]; ok {
			frames = append(frames, checkpoint.LoopFrame{LoopID: id, Counter: counter})
		}
	}
	return &checkpoint.Snapshot{
		ExecutionID:  r.executionID,
		Status:       r.status,
		State:        r.st,
		CurrentNodes: append([]string(nil), currentNodes...),
		LoopFrames:   frames,
		Metadata:     metadata,
		Label:        label,
		CreatedAt:    time.Now().UTC(),
	}
}

func (r *run) saveSnapshot(ctx context.Context, snap *checkpoint.Snapshot) {
	if r.exec.checkpointer == nil {
		return
	}
	if err := r.exec.checkpointer.Save(context.WithoutCancel(ctx), snap); err != nil {
		logging.LogWith(ctx, r.exec.logger).Error("checkpoint save failed",
			"label", snap.Label, "error", err.Error())
		return
	}
	r.emit(schema.EventCheckpointSaved, map[string]any{"label": snap.Label})
}

// maybeIntervalCheckpoint saves an automatic snapshot every N steps when the
// graph config asks for it. next is where a resumed run would re-enter.
func (r *run) maybeIntervalCheckpoint(ctx context.Context, next string) {
	interval := r.g.Config().CheckpointInterval
	if interval <= 0 || r.exec.checkpointer == nil || next == "" || !r.allowPause {
		return
	}
	if r.steps%interval != 0 {
		return
	}
	r.saveSnapshot(ctx, r.snapshot([]string{next}, fmt.Sprintf("auto-%d", r.steps), nil))
}
