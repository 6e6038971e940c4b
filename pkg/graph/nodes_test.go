package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stategraph/pkg/agent"
	"github.com/rendis/stategraph/pkg/schema"
	"github.com/rendis/stategraph/pkg/state"
)

func TestDecisionNode_FirstMatchWins(t *testing.T) {
	n := NewDecisionNode("route", []Route{
		{When: When(func(st state.State) bool { return st["score"].(int) > 90 }), To: "excellent"},
		{When: When(func(st state.State) bool { return st["score"].(int) > 50 }), To: "good"},
	}, "retry")

	res, err := n.Execute(context.Background(), &ExecuteContext{State: state.State{"score": 95}})
	require.NoError(t, err)
	assert.Equal(t, []string{"excellent"}, res.Goto)

	res, err = n.Execute(context.Background(), &ExecuteContext{State: state.State{"score": 60}})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, res.Goto)
}

func TestDecisionNode_FallbackWhenNoneMatch(t *testing.T) {
	n := NewDecisionNode("route", []Route{
		{When: When(func(state.State) bool { return false }), To: "never"},
	}, "fallback")

	res, err := n.Execute(context.Background(), &ExecuteContext{State: state.State{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"fallback"}, res.Goto)
}

func TestDecisionNode_NoMatchNoFallbackFails(t *testing.T) {
	n := NewDecisionNode("route", nil, "")

	_, err := n.Execute(context.Background(), &ExecuteContext{State: state.State{}})
	require.Error(t, err)
	var gerr *schema.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "route", gerr.NodeID)
}

func TestWaitNode_EmitsCorrelatedSignal(t *testing.T) {
	n := NewWaitNode("approve", schema.WaitConfig{Prompt: "Deploy to production?"})

	res, err := n.Execute(context.Background(), &ExecuteContext{State: state.State{}})
	require.NoError(t, err)

	require.Len(t, res.Signals, 1)
	sig := res.Signals[0]
	assert.Equal(t, schema.SignalHumanInputRequired, sig.Type)
	assert.Equal(t, "approve", sig.NodeID)
	assert.Equal(t, "Deploy to production?", sig.Prompt)
	require.NotEmpty(t, sig.CorrelationID)

	// The same correlation ID lands in the node output so the resumed answer
	// can be matched to this request.
	out, ok := res.Update[state.KeyOutputs].(map[string]any)
	require.True(t, ok)
	pending, ok := out["approve"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, sig.CorrelationID, pending["correlationId"])
	assert.Equal(t, "waiting", pending["status"])
}

func TestWaitNode_PromptFromExpression(t *testing.T) {
	n := NewAskUserNode("ask", schema.WaitConfig{PromptExpr: `"Review " + state.target`})

	res, err := n.Execute(context.Background(), &ExecuteContext{State: state.State{"target": "release-1.2"}})
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, "Review release-1.2", res.Signals[0].Prompt)
}

func TestParallelNode_ReturnsBranchFanout(t *testing.T) {
	n := NewParallelNode("fan", schema.ParallelConfig{Branches: []string{"x", "y", "z"}, Strategy: "all"})

	res, err := n.Execute(context.Background(), &ExecuteContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, res.Goto)
}

func TestToolNode_RecordsOutput(t *testing.T) {
	n := NewToolNode("fetch", func(ctx context.Context, params map[string]any, st state.State) (any, error) {
		return map[string]any{"status": 200, "url": params["url"]}, nil
	}, map[string]any{"url": "https://example.com"}, "")

	res, err := n.Execute(context.Background(), &ExecuteContext{State: state.State{}})
	require.NoError(t, err)

	out := res.Update[state.KeyOutputs].(map[string]any)["fetch"].(map[string]any)
	assert.Equal(t, 200, out["status"])
	assert.Equal(t, "https://example.com", out["url"])
}

func TestToolNode_TransformReshapesOutput(t *testing.T) {
	n := NewToolNode("fetch", func(context.Context, map[string]any, state.State) (any, error) {
		return map[string]any{"status": 200, "body": "ignored"}, nil
	}, nil, "{code: .status}")

	res, err := n.Execute(context.Background(), &ExecuteContext{State: state.State{}})
	require.NoError(t, err)

	out := res.Update[state.KeyOutputs].(map[string]any)["fetch"]
	assert.Equal(t, map[string]any{"code": float64(200)}, out)
}

func TestToolNode_FailureCarriesNodeID(t *testing.T) {
	n := NewToolNode("boom", func(context.Context, map[string]any, state.State) (any, error) {
		return nil, errors.New("connection refused")
	}, nil, "")

	_, err := n.Execute(context.Background(), &ExecuteContext{State: state.State{}})
	var gerr *schema.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeNodeFailed, gerr.Code)
	assert.Equal(t, "boom", gerr.NodeID)
}

func TestContextMonitor_BelowThresholdNoAction(t *testing.T) {
	n := NewContextMonitorNode("mon", schema.ContextMonitorConfig{Threshold: 80})

	res, err := n.Execute(context.Background(), &ExecuteContext{
		State:        state.State{},
		ContextUsage: agent.ContextUsage{UsagePercentage: 40},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Signals)

	out := res.Update[state.KeyOutputs].(map[string]any)["mon"].(map[string]any)
	assert.Equal(t, false, out["exceeded"])
}

func TestContextMonitor_WarnOnExceedance(t *testing.T) {
	n := NewContextMonitorNode("mon", schema.ContextMonitorConfig{Threshold: 80, Action: MonitorActionWarn})

	res, err := n.Execute(context.Background(), &ExecuteContext{
		State:        state.State{},
		ContextUsage: agent.ContextUsage{UsagePercentage: 92},
	})
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, schema.SignalContextWindowWarning, res.Signals[0].Type)
}

func TestContextMonitor_RecreateSignal(t *testing.T) {
	n := NewContextMonitorNode("mon", schema.ContextMonitorConfig{Threshold: 50, Action: MonitorActionRecreate})

	res, err := n.Execute(context.Background(), &ExecuteContext{
		State:        state.State{},
		ContextUsage: agent.ContextUsage{UsagePercentage: 75},
	})
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, schema.SignalRecreateSession, res.Signals[0].Type)
}

func TestContextMonitor_SummarizeUsesSessionHook(t *testing.T) {
	summarized := false
	n := NewContextMonitorNode("mon", schema.ContextMonitorConfig{Threshold: 50, Action: MonitorActionSummarize})

	res, err := n.Execute(context.Background(), &ExecuteContext{
		State:        state.State{},
		ContextUsage: agent.ContextUsage{UsagePercentage: 90},
		Summarize:    func(context.Context) error { summarized = true; return nil },
	})
	require.NoError(t, err)
	assert.True(t, summarized)
	assert.Empty(t, res.Signals)
}

func TestContextMonitor_AgentTypeDefaultAction(t *testing.T) {
	n := NewContextMonitorNode("mon", schema.ContextMonitorConfig{Threshold: 50, AgentType: "batch"})

	res, err := n.Execute(context.Background(), &ExecuteContext{
		State:        state.State{},
		ContextUsage: agent.ContextUsage{UsagePercentage: 90},
	})
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, schema.SignalRecreateSession, res.Signals[0].Type)
}

type stubSession struct {
	messages []agent.Message
	usage    agent.ContextUsage
	prompts  []string
}

func (s *stubSession) Stream(ctx context.Context, message string) (<-chan agent.Message, error) {
	s.prompts = append(s.prompts, message)
	ch := make(chan agent.Message, len(s.messages))
	for _, m := range s.messages {
		ch <- m
	}
	close(ch)
	return ch, nil
}

func (s *stubSession) Summarize(context.Context) error { return nil }

func (s *stubSession) GetContextUsage(context.Context) (agent.ContextUsage, error) {
	return s.usage, nil
}

func (s *stubSession) Destroy(context.Context) error { return nil }

type stubProvider struct {
	session *stubSession
	configs []agent.SessionConfig
}

func (p *stubProvider) CreateSession(_ context.Context, cfg agent.SessionConfig) (agent.Session, error) {
	p.configs = append(p.configs, cfg)
	return p.session, nil
}

func TestAgentNode_StreamsPromptAndRecordsResponse(t *testing.T) {
	provider := &stubProvider{session: &stubSession{
		messages: []agent.Message{
			{Role: "assistant", Content: "looks "},
			{Role: "assistant", Content: "good"},
		},
	}}
	n := NewAgentNode("review", schema.AgentConfig{Prompt: "review the diff"})

	res, err := n.Execute(context.Background(), &ExecuteContext{
		State:         state.State{},
		ResolvedModel: "sonnet",
		Provider:      provider,
	})
	require.NoError(t, err)

	require.Len(t, provider.configs, 1)
	assert.Equal(t, "sonnet", provider.configs[0].Model)
	assert.Equal(t, []string{"review the diff"}, provider.session.prompts)

	out := res.Update[state.KeyOutputs].(map[string]any)["review"].(map[string]any)
	assert.Equal(t, "looks good", out["response"])
	assert.Equal(t, "sonnet", out["model"])
}

func TestAgentNode_NoProviderFails(t *testing.T) {
	n := NewAgentNode("review", schema.AgentConfig{Prompt: "hi"})

	_, err := n.Execute(context.Background(), &ExecuteContext{State: state.State{}})
	var gerr *schema.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeExecution, gerr.Code)
}

func TestSubgraphNode_MapsInputAndOutput(t *testing.T) {
	child, err := New("child").Start(noopNode("only")).Compile(schema.GraphConfig{})
	require.NoError(t, err)

	var receivedInput state.State
	n := NewSubgraphNode("nested", schema.SubgraphConfig{
		InputMap:  `{topic: .outputs.pick.topic}`,
		OutputMap: `{summary: .result}`,
	}, child)

	res, err := n.Execute(context.Background(), &ExecuteContext{
		State: state.State{
			"outputs": map[string]any{"pick": map[string]any{"topic": "golang"}},
		},
		RunSubgraph: func(_ context.Context, g *CompiledGraph, input state.State) (state.State, error) {
			receivedInput = input
			return state.State{"result": "a summary"}, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, state.State{"topic": "golang"}, receivedInput)
	assert.Equal(t, state.Update{"summary": "a summary"}, res.Update)
}

func TestSubgraphNode_ResolvesByName(t *testing.T) {
	child, err := New("child").Start(noopNode("only")).Compile(schema.GraphConfig{})
	require.NoError(t, err)

	n := NewSubgraphNode("nested", schema.SubgraphConfig{Workflow: "child"}, nil)

	res, err := n.Execute(context.Background(), &ExecuteContext{
		State: state.State{},
		Resolver: resolverFunc(func(name string) (*CompiledGraph, bool) {
			if name == "child" {
				return child, true
			}
			return nil, false
		}),
		RunSubgraph: func(context.Context, *CompiledGraph, state.State) (state.State, error) {
			return state.State{"done": true}, nil
		},
	})
	require.NoError(t, err)
	out := res.Update[state.KeyOutputs].(map[string]any)["nested"].(map[string]any)
	assert.Equal(t, true, out["done"])
}

func TestSubgraphNode_UnknownWorkflowFails(t *testing.T) {
	n := NewSubgraphNode("nested", schema.SubgraphConfig{Workflow: "ghost"}, nil)

	_, err := n.Execute(context.Background(), &ExecuteContext{
		State:    state.State{},
		Resolver: resolverFunc(func(string) (*CompiledGraph, bool) { return nil, false }),
	})
	var gerr *schema.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, schema.ErrCodeNotFound, gerr.Code)
}

type resolverFunc func(name string) (*CompiledGraph, bool)

func (f resolverFunc) Resolve(name string) (*CompiledGraph, bool) { return f(name) }
