package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/pkg/schema"
)

// NotificationSender pushes a notification to one MCP client session.
// Satisfied by *server.MCPServer.
type NotificationSender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// EventNotifier forwards run events from the streaming hub to the MCP
// session that started each run, as notifications/message pushes. Clients
// see progress while their tools/call is still pending.
type EventNotifier struct {
	hub      streaming.EventHub
	sender   NotificationSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewEventNotifier creates a notifier wired to the hub and session registry.
func NewEventNotifier(hub streaming.EventHub, sender NotificationSender, sessions *SessionRegistry, logger *slog.Logger) *EventNotifier {
	return &EventNotifier{hub: hub, sender: sender, sessions: sessions, logger: logger}
}

// Run subscribes to the hub and forwards events until ctx is cancelled
// or the hub closes the subscription.
func (n *EventNotifier) Run(ctx context.Context) error {
	events, cancel, err := n.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			n.forward(event)
		}
	}
}

// forward delivers one event to the run's owning session, if any.
// Best-effort: events for unbound runs are dropped.
func (n *EventNotifier) forward(event streaming.StreamEvent) {
	sessionID, ok := n.sessions.SessionFor(event.RunID)
	if !ok {
		return
	}

	params := map[string]any{
		"run_id":     event.RunID,
		"workflow":   event.Workflow,
		"event_type": event.EventType,
	}
	if event.Action != "" {
		params["action"] = event.Action
	}
	if event.Payload != nil {
		params["payload"] = event.Payload
	}

	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", params)
	switch {
	case errors.Is(err, server.ErrSessionNotFound):
		// Session expired between lookup and send.
		n.sessions.RemoveSession(sessionID)
		return
	case err != nil:
		n.logger.Warn("event notification failed", "run_id", event.RunID, "error", err)
	}

	if isTerminalEvent(event.EventType) {
		n.sessions.Release(event.RunID)
	}
}

// isTerminalEvent reports whether the event ends a run's lifecycle.
func isTerminalEvent(eventType string) bool {
	switch eventType {
	case schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunCancelled:
		return true
	}
	return false
}
