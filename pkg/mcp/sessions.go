package mcp

import "sync"

// SessionRegistry maps run IDs to MCP session IDs, so run events can be
// pushed back to the client that started the run. Bindings are released
// when a run reaches a terminal state or its session disconnects.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // runID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Bind associates a run with the session that started it.
func (r *SessionRegistry) Bind(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[runID] = sessionID
}

// SessionFor returns the session ID bound to the given run, if any.
func (r *SessionRegistry) SessionFor(runID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[runID]
	return sid, ok
}

// Release drops the binding for a finished run.
func (r *SessionRegistry) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, runID)
}

// RemoveSession deletes all run bindings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for runID, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, runID)
		}
	}
}
