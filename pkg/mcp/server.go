// Package mcp exposes the workflow engine over the Model Context Protocol:
// a stdio server with typed tools for running, defining, and inspecting
// workflows, plus push notifications carrying live run events.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/internal/validation"
	"github.com/rendis/flowrun/pkg/schema"
)

// WorkflowRunner is the slice of the engine runner the MCP tools drive.
type WorkflowRunner interface {
	Execute(ctx context.Context, def *schema.WorkflowDefinition, opts engine.RunOptions) (*schema.ExecutionReport, error)
	Cancel(runID, reason string) error
	ActiveRuns() []string
}

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Runner    WorkflowRunner
	Store     store.Store
	Validator *validation.WorkflowValidator
	Hub       streaming.EventHub
	Logger    *slog.Logger
	Version   string
}

// FlowServer wraps an MCP server with the flowrun tool handlers.
type FlowServer struct {
	runner    WorkflowRunner
	store     store.Store
	validator *validation.WorkflowValidator
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *EventNotifier
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with all 8 tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &FlowServer{
		runner:    deps.Runner,
		store:     deps.Store,
		validator: deps.Validator,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"flowrun",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowrun executes declarative automation workflows. Use flowrun.run to execute a saved or inline workflow and wait for its report, flowrun.define to save a definition, flowrun.list and flowrun.get to browse saved workflows, flowrun.runs and flowrun.report to inspect past executions, flowrun.cancel to stop an active run, and flowrun.validate to check a definition without running it."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if deps.Hub != nil {
		s.notifier = NewEventNotifier(deps.Hub, mcpSrv, s.sessions, logger)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Run events are forwarded to the client for the duration.
func (s *FlowServer) Serve(ctx context.Context) error {
	if s.notifier != nil {
		nctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := s.notifier.Run(nctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("event notifier stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: reportTool(), Handler: s.handleReport},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: validateTool(), Handler: s.handleValidate},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flowrun.run",
		mcp.WithDescription("Execute a workflow and wait for its execution report. Pass either the name of a saved workflow or an inline definition object."),
		mcp.WithString("workflow", mcp.Description("Name of a saved workflow to execute")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition (alternative to workflow)")),
		mcp.WithObject("vars", mcp.Description("Variables overlaid on the definition's vars")),
		mcp.WithString("run_id", mcp.Description("Explicit run ID (default: generated)")),
		mcp.WithString("on_failure", mcp.Enum("stop", "continue"),
			mcp.Description("Failure policy override for this run")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("flowrun.define",
		mcp.WithDescription("Validate and save a workflow definition. Saving an existing name replaces it."),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object; its name field keys the saved workflow")),
		mcp.WithString("description", mcp.Description("Human-readable description")),
		mcp.WithObject("input_schema", mcp.Description("JSON Schema validating run vars")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("flowrun.list",
		mcp.WithDescription("List saved workflows"),
		mcp.WithString("prefix", mcp.Description("Filter by name prefix")),
		mcp.WithObject("filter", mcp.Description("Extra criteria (scheduled, limit, offset)")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("flowrun.get",
		mcp.WithDescription("Get a saved workflow including its full definition"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("flowrun.runs",
		mcp.WithDescription("List workflow runs, newest first"),
		mcp.WithString("workflow", mcp.Description("Filter by workflow name")),
		mcp.WithObject("filter", mcp.Description("Extra criteria (status, since, limit, offset)")),
	)
}

func reportTool() mcp.Tool {
	return mcp.NewTool("flowrun.report",
		mcp.WithDescription("Get a run's record and its ordered, sanitized action results"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flowrun.cancel",
		mcp.WithDescription("Cancel an active run. The run stops at its next action boundary or loop iteration."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
		mcp.WithString("reason", mcp.Description("Reason recorded in the run's report")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flowrun.validate",
		mcp.WithDescription("Validate a workflow definition without executing it. Returns structural, semantic, and template-graph issues."),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}
