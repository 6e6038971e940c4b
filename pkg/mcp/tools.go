package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stategraph/pkg/engine"
	"github.com/rendis/stategraph/pkg/graph"
	"github.com/rendis/stategraph/pkg/schema"
	"github.com/rendis/stategraph/pkg/state"
)

// handleRun executes a registered workflow.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}

	g, ok := s.registry.Resolve(workflow)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %q is not registered", workflow)), nil
	}

	overrides := mcp.ParseStringMap(req, "overrides", nil)

	result, runErr := s.executor.Run(ctx, g, nil, state.Update(overrides))
	if result == nil && runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}

	s.remember(workflow, result)
	return marshalResult(s.resultPayload(workflow, result, runErr))
}

// handleStatus reports the last known state of an execution.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	s.mu.RLock()
	rec, tracked := s.runs[executionID]
	s.mu.RUnlock()
	if tracked {
		return marshalResult(map[string]any{
			"execution_id":   executionID,
			"workflow":       rec.Workflow,
			"status":         rec.Status,
			"correlation_id": rec.CorrelationID,
			"prompt":         rec.Prompt,
		})
	}

	// Unknown to this server: fall back to the checkpoint store.
	if s.checkpointer == nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution %q not found", executionID)), nil
	}
	snap, loadErr := s.checkpointer.Load(ctx, executionID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution %q not found", executionID)), nil
	}
	return marshalResult(map[string]any{
		"execution_id":  executionID,
		"status":        snap.Status,
		"current_nodes": snap.CurrentNodes,
		"label":         snap.Label,
		"created_at":    snap.CreatedAt,
	})
}

// handleRespond answers a paused execution and resumes it.
func (s *Server) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	answer, err := req.RequireString("answer")
	if err != nil {
		return mcp.NewToolResultError("answer is required"), nil
	}

	workflow := req.GetString("workflow", "")
	if workflow == "" {
		s.mu.RLock()
		if rec, ok := s.runs[executionID]; ok {
			workflow = rec.Workflow
		}
		s.mu.RUnlock()
	}
	if workflow == "" {
		return mcp.NewToolResultError(fmt.Sprintf(
			"execution %q was not started through this server; pass the workflow name", executionID)), nil
	}

	g, ok := s.registry.Resolve(workflow)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %q is not registered", workflow)), nil
	}

	if s.checkpointer == nil {
		return mcp.NewToolResultError("no checkpoint store is configured"), nil
	}
	snap, loadErr := s.checkpointer.Load(ctx, executionID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("no snapshot for execution %q: %v", executionID, loadErr)), nil
	}
	if snap.Status != schema.StatusPaused {
		return mcp.NewToolResultError(fmt.Sprintf(
			"execution %q is %s, not paused", executionID, snap.Status)), nil
	}

	result, resumeErr := s.executor.Resume(ctx, g, nil, snap, answer)
	if result == nil && resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	s.remember(workflow, result)
	return marshalResult(s.resultPayload(workflow, result, resumeErr))
}

// handleDefine validates, compiles, and registers a graph definition.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed GraphDefinition.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.GraphDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}
	if def.Name == "" {
		def.Name = name
	}

	if s.validator != nil {
		vres := s.validator.Validate(&def)
		if !vres.Valid() {
			return marshalResult(map[string]any{
				"registered": false,
				"errors":     vres.Errors,
				"warnings":   vres.Warnings,
			})
		}
	}

	g, compileErr := graph.FromDefinition(def, s.tools)
	if compileErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition does not compile: %v", compileErr)), nil
	}

	if req.GetBool("replace", false) {
		s.registry.Replace(name, g)
	} else if regErr := s.registry.Register(name, g); regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registration failed: %v", regErr)), nil
	}

	return marshalResult(map[string]any{
		"registered": true,
		"name":       name,
		"nodes":      len(g.Nodes()),
	})
}

// handleRender returns the Mermaid flowchart of a registered workflow.
func (s *Server) handleRender(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}

	g, ok := s.registry.Resolve(workflow)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %q is not registered", workflow)), nil
	}

	return mcp.NewToolResultText(graph.RenderMermaid(g)), nil
}

// handleList returns the registered workflow names.
func (s *Server) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"workflows": s.registry.Names()})
}

// --- Internal helpers ---

// remember records what the server knows about an execution for later status
// and respond calls.
func (s *Server) remember(workflow string, result *engine.Result) {
	if result == nil || result.ExecutionID == "" {
		return
	}
	rec := &runRecord{Workflow: workflow, Status: result.Status}
	if result.Snapshot != nil && result.Snapshot.Metadata != nil {
		rec.CorrelationID, _ = result.Snapshot.Metadata["correlation_id"].(string)
		rec.Prompt, _ = result.Snapshot.Metadata["prompt"].(string)
	}
	s.mu.Lock()
	s.runs[result.ExecutionID] = rec
	s.mu.Unlock()
}

// resultPayload shapes an execution result for tool output. A failed run is a
// normal payload with an error field, not a tool error: the execution itself
// happened.
func (s *Server) resultPayload(workflow string, result *engine.Result, runErr error) map[string]any {
	payload := map[string]any{
		"execution_id": result.ExecutionID,
		"workflow":     workflow,
		"status":       result.Status,
		"state":        map[string]any(result.State),
	}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	if result.Snapshot != nil && result.Status == schema.StatusPaused {
		payload["correlation_id"], _ = result.Snapshot.Metadata["correlation_id"].(string)
		payload["prompt"], _ = result.Snapshot.Metadata["prompt"].(string)
	}
	return payload
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

var _ WorkflowExecutor = (*engine.Executor)(nil)
