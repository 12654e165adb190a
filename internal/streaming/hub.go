package streaming

import "context"

// StreamEvent is a real-time event emitted during a workflow run.
// EventType values come from pkg/schema events constants; Action carries the
// display name of the originating node for node-scoped events.
type StreamEvent struct {
	RunID     string `json:"run_id"`
	Workflow  string `json:"workflow,omitempty"`
	Action    string `json:"action,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Zero-value fields match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	Workflow   string   `json:"workflow,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
