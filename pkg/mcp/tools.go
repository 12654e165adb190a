package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// handleRun executes a workflow synchronously and returns its report.
func (s *FlowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := s.resolveDefinition(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	if s.validator != nil {
		if valErr := s.validator.ValidateDefinition(def); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow failed validation: %v", valErr)), nil
		}
	}

	opts := engine.RunOptions{
		RunID:   req.GetString("run_id", ""),
		Vars:    mcp.ParseStringMap(req, "vars", nil),
		Trigger: "mcp",
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	switch policy := req.GetString("on_failure", ""); policy {
	case "":
	case "stop":
		opts.Strategy = engine.StopStrategy{}
	case "continue":
		opts.Strategy = engine.ContinueStrategy{}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown on_failure policy %q", policy)), nil
	}

	// Bind the run to the calling session so progress notifications reach it.
	s.captureRun(ctx, opts.RunID)

	report, runErr := s.runner.Execute(ctx, def, opts)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed to start: %v", runErr)), nil
	}
	return jsonResult(report)
}

// handleDefine validates and saves a workflow definition (upsert by name).
func (s *FlowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := definitionArg(req)
	if errResult != nil {
		return errResult, nil
	}
	if def.Name == "" {
		return mcp.NewToolResultError("definition is missing a name"), nil
	}

	if s.validator != nil {
		if valErr := s.validator.ValidateDefinition(def); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow failed validation: %v", valErr)), nil
		}
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		Name:        def.Name,
		Version:     def.Version,
		Description: req.GetString("description", ""),
		Definition:  *def,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if inputSchema := mcp.ParseStringMap(req, "input_schema", nil); inputSchema != nil {
		if rawSchema, err := json.Marshal(inputSchema); err == nil {
			wf.InputSchema = rawSchema
		}
	}

	if saveErr := s.store.SaveWorkflow(ctx, wf); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save workflow: %v", saveErr)), nil
	}

	s.logger.Info("workflow defined", "workflow", def.Name, "version", def.Version)
	return jsonResult(map[string]any{
		"name":      def.Name,
		"version":   def.Version,
		"scheduled": def.Schedule != "",
	})
}

// handleList returns summaries of saved workflows.
func (s *FlowServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)

	wf := store.WorkflowFilter{
		NamePrefix: req.GetString("prefix", ""),
		Limit:      filterInt(filter, "limit", 50),
		Offset:     filterInt(filter, "offset", 0),
	}
	if scheduled, ok := filter["scheduled"].(bool); ok {
		wf.Scheduled = &scheduled
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}

	summaries := make([]workflowSummary, 0, len(workflows))
	for _, w := range workflows {
		summaries = append(summaries, workflowSummary{
			Name:        w.Name,
			Version:     w.Version,
			Description: w.Description,
			Schedule:    w.Schedule,
			Actions:     len(w.Definition.Actions),
			UpdatedAt:   w.UpdatedAt,
		})
	}
	return jsonResult(map[string]any{"workflows": summaries})
}

// handleGet returns one saved workflow with its full definition.
func (s *FlowServer) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	wf, getErr := s.store.GetWorkflow(ctx, name)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", getErr)), nil
	}
	return jsonResult(wf)
}

// handleRuns lists run records, newest first.
func (s *FlowServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runs, err := s.store.ListRuns(ctx, parseRunFilter(req))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"runs": runs})
}

// parseRunFilter maps the optional filter argument onto a store query.
func parseRunFilter(req mcp.CallToolRequest) store.RunFilter {
	filter := mcp.ParseStringMap(req, "filter", nil)

	rf := store.RunFilter{
		WorkflowName: req.GetString("workflow", ""),
		Limit:        filterInt(filter, "limit", 50),
		Offset:       filterInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if ts, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &ts
		}
	}
	return rf
}

// handleReport returns a run record plus its ordered action results.
func (s *FlowServer) handleReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", getErr)), nil
	}
	results, resErr := s.store.ListResults(ctx, runID)
	if resErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("results lookup failed: %v", resErr)), nil
	}
	return jsonResult(map[string]any{"run": run, "results": results})
}

// handleCancel requests cancellation of an active run.
func (s *FlowServer) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")

	if cancelErr := s.runner.Cancel(runID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return jsonResult(map[string]any{"ok": true, "run_id": runID})
}

// handleValidate runs the validation pipeline without executing anything.
func (s *FlowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := definitionArg(req)
	if errResult != nil {
		return errResult, nil
	}
	if s.validator == nil {
		return mcp.NewToolResultError("validator is not configured"), nil
	}

	result := s.validator.Validate(def)
	return jsonResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// --- Internal helpers ---

// workflowSummary is the agent-facing listing shape: enough to choose a
// workflow without pulling every full definition into context.
type workflowSummary struct {
	Name        string    `json:"name"`
	Version     string    `json:"version,omitempty"`
	Description string    `json:"description,omitempty"`
	Schedule    string    `json:"schedule,omitempty"`
	Actions     int       `json:"actions"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// resolveDefinition picks the inline definition when present, otherwise loads
// the named workflow from the store.
func (s *FlowServer) resolveDefinition(ctx context.Context, req mcp.CallToolRequest) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	if raw := mcp.ParseStringMap(req, "definition", nil); raw != nil {
		def, err := decodeDefinition(raw)
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
		}
		return def, nil
	}

	name := req.GetString("workflow", "")
	if name == "" {
		return nil, mcp.NewToolResultError("either workflow or definition is required")
	}
	wf, err := s.store.GetWorkflow(ctx, name)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err))
	}
	def := wf.Definition
	return &def, nil
}

// definitionArg decodes the required definition argument, returning a tool
// error result when it is missing or malformed.
func definitionArg(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("definition is required")
	}
	def, err := decodeDefinition(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return def, nil
}

// decodeDefinition round-trips a tool argument map into a typed definition.
func decodeDefinition(raw map[string]any) (*schema.WorkflowDefinition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// filterInt reads an integer from a filter map; JSON numbers arrive as float64.
func filterInt(filter map[string]any, key string, fallback int) int {
	switch v := filter[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

// captureRun binds the run to the calling MCP session for notifications.
// No-op when event streaming is off.
func (s *FlowServer) captureRun(ctx context.Context, runID string) {
	if s.notifier == nil {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Bind(runID, session.SessionID())
	}
}

// jsonResult converts a value to a JSON text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
