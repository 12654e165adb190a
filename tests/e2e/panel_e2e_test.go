package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/panel"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/pkg/schema"
)

// panelEnv serves the panel API over a live HTTP listener backed by the
// shared rig, mirroring how the serve command wires it.
type panelEnv struct {
	*testRig
	ts *httptest.Server
}

func newPanelEnv(t *testing.T) *panelEnv {
	t.Helper()
	rig := newRig(t)
	srv := panel.NewServer(panel.Deps{
		Store:    rig.db,
		Timeline: rig.events,
		Hub:      rig.hub,
		Registry: rig.reg,
		Runner:   rig.runner,
		Version:  "e2e",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &panelEnv{testRig: rig, ts: ts}
}

// getJSON fetches a panel endpoint and decodes the 200 response into out.
func (p *panelEnv) getJSON(t *testing.T, path string, out any) {
	t.Helper()
	resp, err := http.Get(p.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET %s", path)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "GET %s", path)
}

// rawGet fetches a panel endpoint and returns the status code and body.
func (p *panelEnv) rawGet(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(p.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

// auditDefinition is the two-step fixture most panel scenarios browse.
func auditDefinition(t *testing.T) *schema.WorkflowDefinition {
	t.Helper()
	return &schema.WorkflowDefinition{
		Name:        "panel-audit",
		Version:     "1.2.0",
		Description: "hash the audit target",
		Vars:        map[string]any{"target": "checkout"},
		Actions: []schema.ActionNode{
			leaf(t, "log start", "log.message", map[string]any{"message": "auditing ${{ vars.target }}", "level": "info"}),
			leaf(t, "stamp", "crypto.hash", map[string]any{"value": "${{ vars.target }}", "algorithm": "sha256"}),
		},
	}
}

type runListPage struct {
	Runs  []*store.Run `json:"runs"`
	Count int          `json:"count"`
}

type workflowListPage struct {
	Workflows []*store.Workflow `json:"workflows"`
	Count     int               `json:"count"`
}

type eventListPage struct {
	Events []*store.Event `json:"events"`
	Count  int            `json:"count"`
}

// 1. Status reports the panel version, registry size, and active runs; the
// action catalog lists the builtins.
func TestPanelStatusAndActions(t *testing.T) {
	p := newPanelEnv(t)

	var status struct {
		Version    string   `json:"version"`
		Actions    int      `json:"actions"`
		ActiveRuns []string `json:"active_runs"`
	}
	p.getJSON(t, "/api/status", &status)
	assert.Equal(t, "e2e", status.Version)
	assert.Equal(t, p.reg.Count(), status.Actions)
	assert.NotNil(t, status.ActiveRuns)
	assert.Empty(t, status.ActiveRuns)

	var catalog struct {
		Actions []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"actions"`
		Count int `json:"count"`
	}
	p.getJSON(t, "/api/actions", &catalog)
	assert.Equal(t, status.Actions, catalog.Count)

	names := make([]string, 0, len(catalog.Actions))
	for _, a := range catalog.Actions {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "log.message")
	assert.Contains(t, names, "workflow.call")
	assert.Contains(t, names, "assert.equals")
}

// 2. Workflow browsing: listing, scheduled and prefix filters, and the
// single-workflow view with the full definition.
func TestPanelWorkflowBrowsing(t *testing.T) {
	p := newPanelEnv(t)
	p.save(*auditDefinition(t))
	p.save(schema.WorkflowDefinition{
		Name:     "panel-nightly",
		Version:  "0.1.0",
		Schedule: "0 2 * * *",
		Actions:  []schema.ActionNode{leaf(t, "heartbeat", "crypto.uuid", nil)},
	})

	var all workflowListPage
	p.getJSON(t, "/api/workflows", &all)
	assert.Equal(t, 2, all.Count)

	var scheduled workflowListPage
	p.getJSON(t, "/api/workflows?scheduled=true", &scheduled)
	require.Equal(t, 1, scheduled.Count)
	assert.Equal(t, "panel-nightly", scheduled.Workflows[0].Name)
	assert.Equal(t, "0 2 * * *", scheduled.Workflows[0].Schedule)

	var byPrefix workflowListPage
	p.getJSON(t, "/api/workflows?prefix=panel-a", &byPrefix)
	require.Equal(t, 1, byPrefix.Count)
	assert.Equal(t, "panel-audit", byPrefix.Workflows[0].Name)

	var wf store.Workflow
	p.getJSON(t, "/api/workflows/panel-audit", &wf)
	assert.Equal(t, "1.2.0", wf.Version)
	assert.Equal(t, "hash the audit target", wf.Description)
	require.Len(t, wf.Definition.Actions, 2)
	assert.Equal(t, "stamp", wf.Definition.Actions[1].Name)
}

// 3. Run browsing: per-workflow and flat listings with status filters, and
// the run detail view with persisted results.
func TestPanelRunBrowsing(t *testing.T) {
	p := newPanelEnv(t)
	def := auditDefinition(t)
	p.save(*def)
	report := p.run(def, engine.RunOptions{RunID: "panel-run-1", Trigger: "manual"})
	require.Equal(t, schema.RunStatusCompleted, report.Status)

	var runs runListPage
	p.getJSON(t, "/api/workflows/panel-audit/runs", &runs)
	require.Equal(t, 1, runs.Count)
	assert.Equal(t, "panel-run-1", runs.Runs[0].ID)
	assert.Equal(t, "manual", runs.Runs[0].Trigger)
	assert.Equal(t, schema.RunStatusCompleted, runs.Runs[0].Status)

	var filtered runListPage
	p.getJSON(t, "/api/runs?workflow=panel-audit&status=completed", &filtered)
	assert.Equal(t, 1, filtered.Count)

	var failed runListPage
	p.getJSON(t, "/api/runs?status=failed", &failed)
	assert.Zero(t, failed.Count)

	var detail struct {
		Run     *store.Run         `json:"run"`
		Results []*store.RunResult `json:"results"`
	}
	p.getJSON(t, "/api/runs/panel-run-1", &detail)
	require.NotNil(t, detail.Run)
	assert.Equal(t, schema.RunStatusCompleted, detail.Run.Status)
	require.Len(t, detail.Results, 2)
	assert.Equal(t, "log start", detail.Results[0].ActionName)
	assert.Equal(t, "stamp (crypto.hash, Step 2)", detail.Results[1].DisplayName)
	assert.True(t, detail.Results[1].Success)
}

// 4. Run events come back in contiguous sequence order, since= returns the
// tail, the timeline aggregates per-action, and the global event query
// filters by type.
func TestPanelRunEventsAndTimeline(t *testing.T) {
	p := newPanelEnv(t)
	p.run(auditDefinition(t), engine.RunOptions{RunID: "panel-run-ev"})

	var evs eventListPage
	p.getJSON(t, "/api/runs/panel-run-ev/events", &evs)
	require.NotZero(t, evs.Count)
	assert.Equal(t, schema.EventRunStarted, evs.Events[0].Type)
	assert.Equal(t, schema.EventRunCompleted, evs.Events[evs.Count-1].Type)
	for i, e := range evs.Events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, "panel-run-ev", e.RunID)
	}

	var tail eventListPage
	p.getJSON(t, fmt.Sprintf("/api/runs/panel-run-ev/events?since=%d", evs.Count-1), &tail)
	require.Equal(t, 1, tail.Count)
	assert.Equal(t, schema.EventRunCompleted, tail.Events[0].Type)

	var timeline store.RunTimeline
	p.getJSON(t, "/api/runs/panel-run-ev/timeline", &timeline)
	assert.Equal(t, "panel-run-ev", timeline.RunID)
	assert.Equal(t, schema.RunStatusCompleted, timeline.Status)
	assert.Equal(t, evs.Count, timeline.EventCount)
	require.Len(t, timeline.Actions, 2)
	assert.Equal(t, "log start (log.message, Step 1)", timeline.Actions[0].Action)
	assert.True(t, timeline.Actions[0].Completed)
	assert.False(t, timeline.Actions[0].Failed)

	var completed eventListPage
	p.getJSON(t, "/api/events?event_type=action_completed&run_id=panel-run-ev", &completed)
	require.Equal(t, 2, completed.Count)
	for _, e := range completed.Events {
		assert.Equal(t, schema.EventActionCompleted, e.Type)
	}
}

// 5. Diagram endpoints render mermaid by default and ascii on request, and
// reject unknown formats.
func TestPanelDiagrams(t *testing.T) {
	p := newPanelEnv(t)
	def := auditDefinition(t)
	p.save(*def)
	p.run(def, engine.RunOptions{RunID: "panel-run-diag"})

	status, body := p.rawGet(t, "/api/workflows/panel-audit/diagram")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(body, "graph TD"), "mermaid output should start with graph TD")
	assert.Contains(t, body, "log start")
	assert.Contains(t, body, "stamp")

	status, body = p.rawGet(t, "/api/runs/panel-run-diag/diagram?format=ascii")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "stamp")

	status, body = p.rawGet(t, "/api/workflows/panel-audit/diagram?format=dot")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, `unknown diagram format "dot"`)
}

// 6. Missing resources map to 404; endpoints that tolerate unknown runs
// return empty payloads instead.
func TestPanelNotFound(t *testing.T) {
	p := newPanelEnv(t)

	status, body := p.rawGet(t, "/api/workflows/ghost")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body, "not found")

	status, _ = p.rawGet(t, "/api/runs/ghost")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = p.rawGet(t, "/api/runs/ghost/diagram")
	assert.Equal(t, http.StatusNotFound, status)

	// The event log has no rows for an unknown run, so the replay comes back
	// empty rather than erroring.
	var timeline store.RunTimeline
	p.getJSON(t, "/api/runs/ghost/timeline", &timeline)
	assert.Equal(t, schema.RunStatusPending, timeline.Status)
	assert.Zero(t, timeline.EventCount)
}

// 7. The plugin inventory reflects what the supervisor persisted.
func TestPanelPlugins(t *testing.T) {
	p := newPanelEnv(t)
	require.NoError(t, p.db.SavePlugin(context.Background(), &store.Plugin{
		Name:        "browser-tools",
		Prefix:      "browser",
		Command:     "flowrun-plugin-browser",
		Status:      "healthy",
		ActionCount: 4,
	}))

	var plugins struct {
		Plugins []*store.Plugin `json:"plugins"`
		Count   int             `json:"count"`
	}
	p.getJSON(t, "/api/plugins", &plugins)
	require.Equal(t, 1, plugins.Count)
	assert.Equal(t, "browser-tools", plugins.Plugins[0].Name)
	assert.Equal(t, "healthy", plugins.Plugins[0].Status)
	assert.Equal(t, 4, plugins.Plugins[0].ActionCount)
}

// --- SSE streaming ---

type sseFrame struct {
	event string
	data  string
}

// connectSSE opens an SSE stream and blocks until the server has flushed its
// first event. The server writes no bytes before then, so the handshake syncs
// by publishing probe events until the response headers arrive.
func connectSSE(t *testing.T, p *panelEnv, path string, probe streaming.StreamEvent) (<-chan sseFrame, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ts.URL+path, nil)
	require.NoError(t, err)

	type dialResult struct {
		resp *http.Response
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		done <- dialResult{resp, err}
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(5 * time.Second)

	var resp *http.Response
	for resp == nil {
		select {
		case res := <-done:
			require.NoError(t, res.err)
			resp = res.resp
		case <-ticker.C:
			_ = p.hub.Publish(context.Background(), probe)
		case <-deadline:
			cancel()
			t.Fatal("SSE client never connected")
		}
	}
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan sseFrame, 64)
	go func() {
		defer close(frames)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		var cur sseFrame
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				if cur.event != "" {
					frames <- cur
					cur = sseFrame{}
				}
			}
		}
	}()
	return frames, cancel
}

// collectUntil drains frames, skipping handshake probes, until the terminal
// event type arrives.
func collectUntil(t *testing.T, frames <-chan sseFrame, terminal string, timeout time.Duration) []sseFrame {
	t.Helper()
	deadline := time.After(timeout)
	var out []sseFrame
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("SSE stream closed before %q (saw %d frames)", terminal, len(out))
			}
			if f.event == "probe" {
				continue
			}
			out = append(out, f)
			if f.event == terminal {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for SSE event %q (saw %d frames)", terminal, len(out))
		}
	}
}

// 8. A live run streams over /sse/events: the subscriber sees the whole
// lifecycle, each frame tagged with its event type and run id.
func TestPanelSSEStreamsLiveRun(t *testing.T) {
	p := newPanelEnv(t)

	probe := streaming.StreamEvent{RunID: "handshake", Workflow: "sse-live", EventType: "probe"}
	frames, cancel := connectSSE(t, p, "/sse/events?workflow=sse-live", probe)
	defer cancel()

	p.run(&schema.WorkflowDefinition{
		Name: "sse-live",
		Actions: []schema.ActionNode{
			leaf(t, "tick", "crypto.uuid", nil),
			leaf(t, "note", "log.message", map[string]any{"message": "streamed", "level": "info"}),
		},
	}, engine.RunOptions{RunID: "sse-run-1"})

	got := collectUntil(t, frames, schema.EventRunCompleted, 5*time.Second)
	require.NotEmpty(t, got)
	assert.Equal(t, schema.EventRunStarted, got[0].event)
	assert.Equal(t, schema.EventRunCompleted, got[len(got)-1].event)

	types := make([]string, len(got))
	for i, f := range got {
		types[i] = f.event

		var payload struct {
			RunID     string `json:"run_id"`
			EventType string `json:"event_type"`
		}
		require.NoError(t, json.Unmarshal([]byte(f.data), &payload))
		assert.Equal(t, "sse-run-1", payload.RunID)
		assert.Equal(t, f.event, payload.EventType)
	}
	assert.Contains(t, types, schema.EventActionStarted)
	assert.Contains(t, types, schema.EventActionCompleted)
}

// 9. /sse/runs/{id} only delivers the subscribed run's events.
func TestPanelSSERunScoped(t *testing.T) {
	p := newPanelEnv(t)

	probe := streaming.StreamEvent{RunID: "target-run", EventType: "probe"}
	frames, cancel := connectSSE(t, p, "/sse/runs/target-run", probe)
	defer cancel()

	require.NoError(t, p.hub.Publish(context.Background(), streaming.StreamEvent{
		RunID: "other-run", EventType: "noise",
	}))
	require.NoError(t, p.hub.Publish(context.Background(), streaming.StreamEvent{
		RunID: "target-run", EventType: "marker", Action: "tick",
	}))

	got := collectUntil(t, frames, "marker", 5*time.Second)
	require.Len(t, got, 1, "the other run's event should have been filtered out")
	assert.Equal(t, "marker", got[0].event)
	assert.Contains(t, got[0].data, `"run_id":"target-run"`)
}
