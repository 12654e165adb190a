package panel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rendis/flowrun/internal/streaming"
)

// handleSSEGlobal streams all run events to the client via Server-Sent Events.
// Optional query params narrow the stream: workflow, event_type.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	filter := streaming.EventFilter{
		Workflow: r.URL.Query().Get("workflow"),
	}
	if et := r.URL.Query().Get("event_type"); et != "" {
		filter.EventTypes = []string{et}
	}
	s.serveSSE(w, r, filter)
}

// handleSSERun streams events for a single run.
func (s *Server) handleSSERun(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{RunID: r.PathValue("id")})
}

// serveSSE is the common SSE implementation. The subscription is bound to the
// request context, so a client disconnect tears it down.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}
