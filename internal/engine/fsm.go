package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// TransitionHook is called before or after a run state transition.
type TransitionHook func(from, to string) error

// EventAppender receives the lifecycle events the FSM emits on transitions.
// The Runner passes an adapter that fans out to the store event log and the
// streaming hub.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits lifecycle events via the given
// appender. A nil appender disables event emission.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.addHook(f.before, from, to, hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.addHook(f.after, from, to, hook)
}

func (f *RunFSM) addHook(m map[runHookKey][]TransitionHook, from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := runHookKey{from, to}
	m[k] = append(m[k], hook)
}

// Transition validates and executes a run state transition, emitting the
// corresponding lifecycle event. The caller is responsible for persisting
// the new status to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}
	if err := runHooks(f.before[key], from, to); err != nil {
		return err
	}

	if eventType := runEventTypes[to]; eventType != "" && f.appender != nil {
		event := &store.Event{RunID: runID, Type: eventType}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	return runHooks(f.after[key], from, to)
}

func runHooks(hooks []TransitionHook, from, to schema.RunStatus) error {
	for _, hook := range hooks {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

// runEventTypes maps each terminal-bound status to the lifecycle event it
// emits. Statuses absent here (pending) transition silently.
var runEventTypes = map[schema.RunStatus]string{
	schema.RunStatusRunning:   schema.EventRunStarted,
	schema.RunStatusCompleted: schema.EventRunCompleted,
	schema.RunStatusFailed:    schema.EventRunFailed,
	schema.RunStatusCancelled: schema.EventRunCancelled,
}

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// IsTerminalStatus reports whether a run status admits no further transitions.
func IsTerminalStatus(s schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[s]
	return ok && len(allowed) == 0
}
