package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/pkg/engine"
)

const (
	sseBufferSize     = 64
	heartbeatInterval = 15 * time.Second
)

// handleTaskEvents streams one task's progress events. The stream ends once
// the task reaches a terminal state or the client disconnects.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, engine.ErrCodeInternal, "streaming not supported")
		return
	}

	// Subscribe before reading the snapshot so no transition slips through
	// the gap: anything published after this point lands on the channel, and
	// anything published before it is reflected in the snapshot.
	events, cancel := s.deps.Events.Subscribe(id, sseBufferSize)
	defer cancel()

	task, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	sseHeaders(w)

	// Current state first, so late subscribers know where the task stands.
	writeSSE(w, "snapshot", task)
	flusher.Flush()
	if task.Status.IsTerminal() {
		return
	}

	s.streamEvents(w, r, flusher, events, true)
}

// handleAllEvents streams every task's progress events until the client
// disconnects.
func (s *Server) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, engine.ErrCodeInternal, "streaming not supported")
		return
	}

	events, cancel := s.deps.Events.Subscribe(engine.WildcardTopic, sseBufferSize)
	defer cancel()

	sseHeaders(w)
	flusher.Flush()

	s.streamEvents(w, r, flusher, events, false)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, flusher http.Flusher,
	events <-chan engine.TaskEvent, stopAtTerminal bool) {

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, "task_update", ev)
			flusher.Flush()
			if stopAtTerminal && ev.Status.IsTerminal() {
				return
			}
		}
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
