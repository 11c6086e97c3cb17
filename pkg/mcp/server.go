// Package mcp exposes the engine to agents over the Model Context
// Protocol: start, resume, cancel and observe runs, and register
// templates, all through stdio tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/validation"
)

// LoomServerDeps holds the dependencies for creating a LoomServer.
type LoomServerDeps struct {
	Orchestrator *engine.Orchestrator
	Templates    store.TemplateStore
	Runs         store.RunStore
	Archive      store.RunArchive
	Validator    validation.Validator
	Logger       *slog.Logger
}

// LoomServer wraps an MCP server with the engine's tool handlers.
type LoomServer struct {
	orchestrator *engine.Orchestrator
	templates    store.TemplateStore
	runs         store.RunStore
	archive      store.RunArchive
	validator    validation.Validator
	logger       *slog.Logger
	mcpServer    *server.MCPServer
}

// NewLoomServer creates a LoomServer with all engine tools registered.
func NewLoomServer(deps LoomServerDeps) *LoomServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &LoomServer{
		orchestrator: deps.Orchestrator,
		templates:    deps.Templates,
		runs:         deps.Runs,
		archive:      deps.Archive,
		validator:    deps.Validator,
		logger:       logger,
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Loom is a workflow orchestration engine. Use loom.define to register templates, loom.start to launch runs, loom.status to inspect them, loom.resume to supply data to a paused run, loom.cancel to terminate, and loom.query to list runs, templates or run events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *LoomServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("loom.start",
		mcp.WithDescription("Start a workflow run from a registered template"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the workflow template to run")),
		mcp.WithObject("input", mcp.Description("Initial input payload for the run")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("loom.resume",
		mcp.WithDescription("Supply data to a paused run and let it continue"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the paused run")),
		mcp.WithObject("data", mcp.Description("Resume payload bound per the pause reason")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("loom.cancel",
		mcp.WithDescription("Cancel a running or paused run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("loom.status",
		mcp.WithDescription("Get a run's current state, including pause details"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("loom.define",
		mcp.WithDescription("Validate and register a workflow template"),
		mcp.WithObject("template", mcp.Required(), mcp.Description("Workflow template object")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("loom.query",
		mcp.WithDescription("Query runs, templates, or a run's event log"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "templates", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, template_id, limit, run_id, since_sequence)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("loom.diagram",
		mcp.WithDescription("Render a template as a Mermaid flowchart, optionally overlaying a run's progress"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the template to render")),
		mcp.WithString("run_id", mcp.Description("Optional run whose progress to overlay")),
	)
}
