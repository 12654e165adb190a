package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// EventLog provides sequence-safe append and replay on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run
// sequence, taking the database write lock before reading the sequence so
// appends cannot interleave even if the pool ever grows past one connection.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	// BeginTx starts a deferred transaction in WAL mode, which would let
	// two appenders read the same MAX(sequence). A zero-row UPDATE upgrades
	// the transaction to a write transaction before the sequence read.
	if _, err := tx.ExecContext(ctx,
		`UPDATE schema_migrations SET version = version WHERE version = -1`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}

	if err := appendEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEvents returns events for a run with sequence > sinceSeq, ordered by
// sequence ASC.
func (el *EventLog) ListEvents(ctx context.Context, runID string, sinceSeq int64) ([]*Event, error) {
	return el.store.ListEvents(ctx, runID, sinceSeq)
}

// QueryEvents returns events matching the filter, newest first.
func (el *EventLog) QueryEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	return el.store.QueryEvents(ctx, filter)
}

// RunTimeline is a run's lifecycle reconstructed from its event log alone.
// It is what the event log can prove about a run without consulting the runs
// table, and the panel serves it as the run's execution trace.
type RunTimeline struct {
	RunID       string            `json:"run_id"`
	Status      schema.RunStatus  `json:"status"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	EventCount  int               `json:"event_count"`
	Actions     []*ActionTimeline `json:"actions"`
}

// ActionTimeline aggregates one action's events, keyed by display name and
// ordered by first appearance.
type ActionTimeline struct {
	Action     string `json:"action"`
	Attempts   int    `json:"attempts"`
	Retries    int    `json:"retries"`
	Completed  bool   `json:"completed"`
	Failed     bool   `json:"failed"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ReplayRun replays a run's events into a RunTimeline. Returns an error if
// sequence gaps are detected.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) (*RunTimeline, error) {
	events, err := el.store.ListEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	timeline := &RunTimeline{
		RunID:      runID,
		Status:     schema.RunStatusPending,
		EventCount: len(events),
	}
	if len(events) == 0 {
		return timeline, nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	byAction := make(map[string]*ActionTimeline)
	forAction := func(name string) *ActionTimeline {
		at, ok := byAction[name]
		if !ok {
			at = &ActionTimeline{Action: name}
			byAction[name] = at
			timeline.Actions = append(timeline.Actions, at)
		}
		return at
	}

	for _, e := range events {
		switch e.Type {
		case schema.EventRunStarted:
			timeline.Status = schema.RunStatusRunning
			ts := e.Timestamp
			timeline.StartedAt = &ts

		case schema.EventRunCompleted:
			timeline.Status = schema.RunStatusCompleted
			ts := e.Timestamp
			timeline.CompletedAt = &ts

		case schema.EventRunFailed:
			timeline.Status = schema.RunStatusFailed
			ts := e.Timestamp
			timeline.CompletedAt = &ts

		case schema.EventRunCancelled:
			timeline.Status = schema.RunStatusCancelled
			ts := e.Timestamp
			timeline.CompletedAt = &ts

		case schema.EventActionStarted:
			forAction(e.Action).Attempts++

		case schema.EventActionCompleted:
			at := forAction(e.Action)
			at.Completed = true
			at.Failed = false
			at.DurationMs = payloadInt64(e.Payload, "duration_ms")

		case schema.EventActionFailed:
			at := forAction(e.Action)
			at.Failed = true
			at.DurationMs = payloadInt64(e.Payload, "duration_ms")
			at.Message = payloadString(e.Payload, "message")

		case schema.EventActionRetry:
			forAction(e.Action).Retries++
		}
	}

	return timeline, nil
}

func payloadInt64(raw json.RawMessage, key string) int64 {
	if len(raw) == 0 {
		return 0
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0
	}
	if f, ok := m[key].(float64); ok {
		return int64(f)
	}
	return 0
}

func payloadString(raw json.RawMessage, key string) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
