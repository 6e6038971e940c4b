// Package mcp exposes the workflow engine over the Model Context Protocol so
// agents can run, watch, answer, and author graph workflows through tool
// calls on a stdio transport.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stategraph/internal/validation"
	"github.com/rendis/stategraph/pkg/checkpoint"
	"github.com/rendis/stategraph/pkg/engine"
	"github.com/rendis/stategraph/pkg/graph"
	"github.com/rendis/stategraph/pkg/schema"
	"github.com/rendis/stategraph/pkg/state"
)

// WorkflowExecutor is the executor surface the server needs. Satisfied by
// *engine.Executor; narrowed to an interface so tests can stub it.
type WorkflowExecutor interface {
	Run(ctx context.Context, g *graph.CompiledGraph, sch state.Schema, overrides state.Update) (*engine.Result, error)
	Resume(ctx context.Context, g *graph.CompiledGraph, sch state.Schema, snap *checkpoint.Snapshot, answer any) (*engine.Result, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Executor     WorkflowExecutor
	Registry     *engine.Registry
	Checkpointer checkpoint.Checkpointer
	Validator    *validation.GraphValidator
	Tools        graph.ToolRegistry
	Logger       *slog.Logger
}

// runRecord remembers what the server knows about an execution it started.
type runRecord struct {
	Workflow      string                 `json:"workflow"`
	Status        schema.ExecutionStatus `json:"status"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Prompt        string                 `json:"prompt,omitempty"`
}

// Server wraps an MCP server with workflow tool handlers.
type Server struct {
	executor     WorkflowExecutor
	registry     *engine.Registry
	checkpointer checkpoint.Checkpointer
	validator    *validation.GraphValidator
	tools        graph.ToolRegistry
	logger       *slog.Logger
	mcpServer    *server.MCPServer

	mu   sync.RWMutex
	runs map[string]*runRecord // execution ID -> last known record
}

// NewServer creates a Server with all workflow tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		executor:     deps.Executor,
		registry:     deps.Registry,
		checkpointer: deps.Checkpointer,
		validator:    deps.Validator,
		tools:        deps.Tools,
		logger:       logger,
		runs:         make(map[string]*runRecord),
	}

	mcpSrv := server.NewMCPServer(
		"stategraph",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stategraph executes graph-based workflows. Use workflow.run to start one, workflow.status to check progress, workflow.respond to answer a paused workflow, workflow.define to register a graph definition, workflow.render to get a Mermaid diagram, and workflow.list to see registered workflows."),
	)

	mcpSrv.AddTools(s.toolSet()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) toolSet() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: renderTool(), Handler: s.handleRender},
		{Tool: listTool(), Handler: s.handleList},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("workflow.run",
		mcp.WithDescription("Execute a registered workflow to completion, failure, or suspension"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the registered workflow to execute")),
		mcp.WithObject("overrides", mcp.Description("Initial state fields merged over the schema defaults")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get the status of an execution started through this server"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("workflow.respond",
		mcp.WithDescription("Answer a workflow paused for human input; the execution resumes immediately"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the paused execution")),
		mcp.WithString("answer", mcp.Required(), mcp.Description("The human answer to record")),
		mcp.WithString("workflow", mcp.Description("Workflow name, only needed when the execution was not started through this server")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("workflow.define",
		mcp.WithDescription("Validate, compile, and register a graph definition"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name to register the workflow under")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Graph definition object (nodes, edges, start, config)")),
		mcp.WithBoolean("replace", mcp.Description("Overwrite an existing workflow with the same name")),
	)
}

func renderTool() mcp.Tool {
	return mcp.NewTool("workflow.render",
		mcp.WithDescription("Render a registered workflow as Mermaid flowchart syntax"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the registered workflow")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List registered workflow names"),
	)
}
