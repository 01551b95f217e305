package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/pkg/engine"
	"github.com/taskforge/taskforge/pkg/stores"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// listResponse wraps a task page.
type listResponse struct {
	Tasks   []*engine.Task `json:"tasks"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec engine.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, "invalid request body: "+err.Error())
		return
	}

	task, err := s.deps.Dispatcher.Submit(r.Context(), spec)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"status":  string(task.Status),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		// Fall back to the archive so history survives a restart.
		if s.deps.Archive != nil && engine.HasCode(err, engine.ErrCodeNotFound) {
			if archived, aerr := s.deps.Archive.GetTask(r.Context(), id); aerr == nil {
				writeJSON(w, http.StatusOK, archived)
				return
			}
		}
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.ListFilter{
		Type:    q.Get("task_type"),
		AgentID: q.Get("agent_id"),
	}
	if v := q.Get("status"); v != "" {
		status := engine.TaskStatus(v)
		if err := status.Validate(); err != nil {
			s.writeEngineError(w, err)
			return
		}
		filter.Status = status
	}

	page := engine.Page{
		Number:  intQuery(q.Get("page"), 1),
		PerPage: intQuery(q.Get("per_page"), engine.DefaultPerPage),
	}

	if q.Get("archived") == "true" {
		s.listArchived(w, r, filter, page)
		return
	}

	tasks, total, err := s.deps.Registry.List(r.Context(), filter, page)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Tasks:   tasks,
		Total:   total,
		Page:    page.Number,
		PerPage: page.PerPage,
	})
}

// listArchived serves the same listing shape from the SQLite archive instead
// of the in-memory registry.
func (s *Server) listArchived(w http.ResponseWriter, r *http.Request, filter engine.ListFilter, page engine.Page) {
	if s.deps.Archive == nil {
		writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, "task archive is disabled")
		return
	}
	if page.Number < 1 {
		page.Number = 1
	}
	if page.PerPage < 1 {
		page.PerPage = engine.DefaultPerPage
	}

	tasks, err := s.deps.Archive.ListTasks(r.Context(), filter, page.PerPage, (page.Number-1)*page.PerPage)
	if err != nil {
		s.log.WithError(err).Error("archive list failed")
		writeError(w, http.StatusInternalServerError, engine.ErrCodeInternal, "archive query failed")
		return
	}
	total, err := s.deps.Archive.CountTasks(r.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("archive count failed")
		writeError(w, http.StatusInternalServerError, engine.ErrCodeInternal, "archive query failed")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Tasks:   tasks,
		Total:   total,
		Page:    page.Number,
		PerPage: page.PerPage,
	})
}

// handleTaskHistory returns a task's archived transition events.
func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, "task archive is disabled")
		return
	}
	id := chi.URLParam(r, "id")

	if _, err := s.deps.Archive.GetTask(r.Context(), id); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			writeError(w, http.StatusNotFound, engine.ErrCodeNotFound, "task not found in archive: "+id)
			return
		}
		s.log.WithError(err).Error("archive lookup failed")
		writeError(w, http.StatusInternalServerError, engine.ErrCodeInternal, "archive query failed")
		return
	}

	events, err := s.deps.Archive.ListEvents(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("archive history failed")
		writeError(w, http.StatusInternalServerError, engine.ErrCodeInternal, "archive query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": id,
		"events":  events,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.deps.Dispatcher.Cancel(r.Context(), id)
	if err != nil {
		// Cancelling a finished task is not a failure; return its state.
		if engine.HasCode(err, engine.ErrCodeAlreadyTerminal) {
			if task == nil {
				task, _ = s.deps.Registry.Get(r.Context(), id)
			}
			writeJSON(w, http.StatusOK, task)
			return
		}
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.deps.Dispatcher.Agents(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	checks := map[string]string{}

	if s.deps.Archive != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Archive.HealthCheck(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
			checks["archive"] = err.Error()
		} else {
			checks["archive"] = "ok"
		}
	}

	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// writeEngineError maps engine error codes to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := engine.ErrCodeInternal
	var e *engine.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	status := http.StatusInternalServerError
	switch code {
	case engine.ErrCodeValidation, engine.ErrCodeUnknownCapability:
		status = http.StatusBadRequest
	case engine.ErrCodeNotFound:
		status = http.StatusNotFound
	case engine.ErrCodeInvalidTransition, engine.ErrCodeAlreadyTerminal:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
