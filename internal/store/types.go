package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// Workflow is a saved workflow definition, keyed by name. Saving the same
// name again replaces the definition (upsert).
type Workflow struct {
	Name        string                    `json:"name"`
	Version     string                    `json:"version,omitempty"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	// Schedule is denormalized from the definition so the scheduler can list
	// scheduled workflows without unmarshalling every definition.
	Schedule    string          `json:"schedule,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Run is the persisted record of one workflow execution.
type Run struct {
	ID                string           `json:"id"`
	WorkflowName      string           `json:"workflow_name"`
	WorkflowVersion   string           `json:"workflow_version,omitempty"`
	Status            schema.RunStatus `json:"status"`
	Trigger           string           `json:"trigger,omitempty"` // manual, schedule, mcp, api
	Vars              json.RawMessage  `json:"vars,omitempty"`    // caller-supplied overlay
	Context           json.RawMessage  `json:"context,omitempty"` // final sanitized context
	Error             json.RawMessage  `json:"error,omitempty"`   // FlowError on abort
	HadActionFailures bool             `json:"had_action_failures"`
	CreatedAt         time.Time        `json:"created_at"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
}

// RunResult is one entry of a run's ordered result list. Position is the
// 0-based index in the report; Payload is sanitized before persistence.
type RunResult struct {
	RunID       string          `json:"run_id"`
	Position    int             `json:"position"`
	ActionName  string          `json:"action_name"`
	ActionType  string          `json:"action_type"`
	DisplayName string          `json:"display_name"`
	Success     bool            `json:"success"`
	Message     string          `json:"message,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
}

// ToActionResult converts a persisted row back into an engine result, for
// re-rendering reports and diagram overlays. An undecodable payload is
// dropped rather than failing the conversion.
func (r *RunResult) ToActionResult() *schema.ActionResult {
	res := &schema.ActionResult{
		ActionName:  r.ActionName,
		ActionType:  r.ActionType,
		DisplayName: r.DisplayName,
		Success:     r.Success,
		Message:     r.Message,
		DurationMs:  r.DurationMs,
	}
	if len(r.Payload) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(r.Payload, &payload); err == nil {
			res.Payload = payload
		}
	}
	return res
}

// Event is an immutable entry in the append-only run event log. Sequence is
// assigned by the store, monotonically increasing per run.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Action    string          `json:"action,omitempty"` // display name; empty for run-level events
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Plugin is a registered external action provider (MCP server).
type Plugin struct {
	Name         string          `json:"name"`
	Prefix       string          `json:"prefix"`
	Command      string          `json:"command"`
	Config       json.RawMessage `json:"config,omitempty"`
	Status       string          `json:"status"` // starting, healthy, unhealthy, crashed, stopped
	ActionCount  int             `json:"action_count"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	NamePrefix string `json:"name_prefix,omitempty"`
	Scheduled  *bool  `json:"scheduled,omitempty"` // true: schedule set; false: no schedule
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowName string            `json:"workflow_name,omitempty"`
	Status       *schema.RunStatus `json:"status,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are left unchanged.
type RunUpdate struct {
	Status            *schema.RunStatus `json:"status,omitempty"`
	Context           json.RawMessage   `json:"context,omitempty"`
	Error             json.RawMessage   `json:"error,omitempty"`
	HadActionFailures *bool             `json:"had_action_failures,omitempty"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for querying the event log across runs.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}
