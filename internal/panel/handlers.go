package panel

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/rendis/flowrun/internal/actions"
	"github.com/rendis/flowrun/internal/diagram"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active := []string{}
	if s.deps.Runner != nil {
		active = s.deps.Runner.ActiveRuns()
		sort.Strings(active)
	}
	actionCount := 0
	if s.deps.Registry != nil {
		actionCount = s.deps.Registry.Count()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     s.deps.Version,
		"actions":     actionCount,
		"active_runs": active,
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		NamePrefix: r.URL.Query().Get("prefix"),
		Scheduled:  queryBool(r, "scheduled"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}

	workflows, err := s.deps.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		s.storeError(w, "list workflows", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("name"))
	if err != nil {
		s.storeError(w, "get workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	s.listRuns(w, r, r.PathValue("name"))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.listRuns(w, r, r.URL.Query().Get("workflow"))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, workflow string) {
	filter := store.RunFilter{
		WorkflowName: workflow,
		Limit:        queryInt(r, "limit", 50),
		Offset:       queryInt(r, "offset", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		rs := schema.RunStatus(status)
		filter.Status = &rs
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		s.storeError(w, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		s.storeError(w, "get run", err)
		return
	}
	results, err := s.deps.Store.ListResults(r.Context(), id)
	if err != nil {
		s.storeError(w, "list results", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":     run,
		"results": results,
	})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	since := int64(queryInt(r, "since", 0))

	events, err := s.deps.Store.ListEvents(r.Context(), id, since)
	if err != nil {
		s.storeError(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleRunTimeline(w http.ResponseWriter, r *http.Request) {
	if s.deps.Timeline == nil {
		writeError(w, http.StatusNotImplemented, "timeline not available")
		return
	}
	timeline, err := s.deps.Timeline.ReplayRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "replay run", err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	filter := store.EventFilter{
		RunID:     r.URL.Query().Get("run_id"),
		EventType: r.URL.Query().Get("event_type"),
		Limit:     queryInt(r, "limit", 100),
	}

	events, err := s.deps.Store.QueryEvents(r.Context(), filter)
	if err != nil {
		s.storeError(w, "query events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	infos := []actions.ActionInfo{}
	if s.deps.Registry != nil {
		infos = s.deps.Registry.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": infos,
		"count":   len(infos),
	})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.deps.Store.ListPlugins(r.Context())
	if err != nil {
		s.storeError(w, "list plugins", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plugins": plugins,
		"count":   len(plugins),
	})
}

func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("name"))
	if err != nil {
		s.storeError(w, "get workflow", err)
		return
	}
	s.renderDiagram(w, r, &wf.Definition, nil)
}

func (s *Server) handleRunDiagram(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		s.storeError(w, "get run", err)
		return
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), run.WorkflowName)
	if err != nil {
		s.storeError(w, "get workflow", err)
		return
	}
	results, err := s.deps.Store.ListResults(r.Context(), id)
	if err != nil {
		s.storeError(w, "list results", err)
		return
	}
	s.renderDiagram(w, r, &wf.Definition, resultsToSchema(results))
}

// renderDiagram writes the workflow model as mermaid (default) or ascii text.
func (s *Server) renderDiagram(w http.ResponseWriter, r *http.Request, def *schema.WorkflowDefinition, results []*schema.ActionResult) {
	model := diagram.Build(def, results)

	var out string
	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		out = diagram.RenderMermaid(model)
	case "ascii":
		out = diagram.RenderASCII(model)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown diagram format %q", format))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(out))
}

// resultsToSchema converts persisted results back into engine results so the
// diagram status overlay can aggregate them.
func resultsToSchema(rows []*store.RunResult) []*schema.ActionResult {
	out := make([]*schema.ActionResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ToActionResult())
	}
	return out
}

// storeError maps a store error to 404 for missing resources, 500 otherwise.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if isNotFound(err) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.deps.Logger.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}
