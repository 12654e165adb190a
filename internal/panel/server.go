// Package panel serves a read-only JSON API plus an SSE event stream over the
// store and the event hub. Everything it exposes comes from persisted,
// already-sanitized data; mutations go through the CLI or the MCP server.
package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/flowrun/internal/actions"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
)

// RunnerInfo is the slice of the engine runner the panel reads.
type RunnerInfo interface {
	ActiveRuns() []string
}

// TimelineSource replays a run's event log into a timeline.
// *store.EventLog satisfies it.
type TimelineSource interface {
	ReplayRun(ctx context.Context, runID string) (*store.RunTimeline, error)
}

// Deps holds the dependencies for the panel server. Runner may be nil when
// the panel fronts a store-only process (no in-process engine).
type Deps struct {
	Store    store.Store
	Timeline TimelineSource
	Hub      streaming.EventHub
	Registry *actions.Registry
	Runner   RunnerInfo
	Version  string
	Logger   *slog.Logger
}

// Server is the panel HTTP server.
type Server struct {
	deps Deps
}

// NewServer creates a panel server over the given dependencies.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{name}", s.handleGetWorkflow)
	mux.HandleFunc("GET /api/workflows/{name}/runs", s.handleWorkflowRuns)
	mux.HandleFunc("GET /api/workflows/{name}/diagram", s.handleWorkflowDiagram)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/runs/{id}/timeline", s.handleRunTimeline)
	mux.HandleFunc("GET /api/runs/{id}/diagram", s.handleRunDiagram)

	mux.HandleFunc("GET /api/events", s.handleQueryEvents)
	mux.HandleFunc("GET /api/actions", s.handleListActions)
	mux.HandleFunc("GET /api/plugins", s.handleListPlugins)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return mux
}
