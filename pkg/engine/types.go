package engine

import (
	"encoding/json"
	"time"
)

// TaskSpec is a submission request for a new task.
type TaskSpec struct {
	// Type names the kind of work; it must match a declared agent capability.
	Type string `json:"task_type"`

	// AgentID optionally pins the task to a specific agent.
	AgentID string `json:"agent_id,omitempty"`

	// Priority orders the pending queue; defaults to normal.
	Priority Priority `json:"priority,omitempty"`

	// Config is an opaque payload passed through to operation invocations.
	// The engine does not interpret its contents.
	Config map[string]string `json:"config,omitempty"`
}

// Task is one unit of orchestrated work with a lifecycle and terminal outcome.
type Task struct {
	// ID is the unique identifier, assigned at creation, immutable.
	ID string `json:"id"`

	// Type is the kind of work, used for capability matching.
	Type string `json:"task_type"`

	// AgentID is the assigned agent. Set at submission when the caller pinned
	// an agent, otherwise at assignment time.
	AgentID string `json:"agent_id,omitempty"`

	// Priority orders the pending queue.
	Priority Priority `json:"priority"`

	// Config is the opaque submission payload.
	Config map[string]string `json:"config,omitempty"`

	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`

	// CreatedAt is when the task was accepted.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is set exactly once, at the pending -> running transition.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is set exactly once, at any transition into a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result is set only when the task completed.
	Result json.RawMessage `json:"result,omitempty"`

	// Error is set only when the task failed.
	Error *TaskError `json:"error,omitempty"`
}

// Clone returns a deep copy so callers can never mutate registry state.
func (t *Task) Clone() *Task {
	c := *t
	if t.Config != nil {
		c.Config = make(map[string]string, len(t.Config))
		for k, v := range t.Config {
			c.Config[k] = v
		}
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

// TaskError is the structured failure description recorded on a failed task.
// It carries enough for a front end to render the failure without inspecting
// process-level logs.
type TaskError struct {
	// Code is the engine error code (TIMEOUT, EXEC_FAILED, ...).
	Code string `json:"code"`

	// Message is the human-readable failure description.
	Message string `json:"message"`

	// Step is the name of the failing step, if the failure happened inside one.
	Step string `json:"step,omitempty"`

	// ExitCode is the observed process exit code, if a process ran.
	ExitCode *int `json:"exit_code,omitempty"`

	// Stdout and Stderr are truncated captures for diagnostics.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// Attempts is how many invocations of the failing step were made.
	Attempts int `json:"attempts,omitempty"`
}

// AgentDef is a capability declaration consumed at process start.
type AgentDef struct {
	ID           string   `yaml:"id" json:"id" validate:"required"`
	Name         string   `yaml:"name" json:"name" validate:"required"`
	Description  string   `yaml:"description" json:"description"`
	Capabilities []string `yaml:"capabilities" json:"capabilities" validate:"required,min=1,dive,required"`
}

// Agent is a named execution slot snapshot as exposed by the dispatcher.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Capabilities []string    `json:"capabilities"`
	Status       AgentStatus `json:"status"`

	// CurrentTaskID is set iff Status is busy.
	CurrentTaskID string `json:"current_task_id,omitempty"`

	// TaskCount counts tasks this agent has driven to completed or failed.
	TaskCount int64 `json:"task_count"`
}

// HasCapability reports whether the agent declares the given task type.
func (a *Agent) HasCapability(taskType string) bool {
	for _, c := range a.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// TaskEvent is one progress notification, emitted per state transition.
type TaskEvent struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Status    TaskStatus      `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *TaskError      `json:"error,omitempty"`
}

// ListFilter selects tasks for the registry's List operation.
// Zero values match everything.
type ListFilter struct {
	Status  TaskStatus
	Type    string
	AgentID string
}

// Page is a pagination request. Page numbers start at 1.
type Page struct {
	Number  int
	PerPage int
}

// DefaultPerPage bounds list responses when the caller does not say.
const DefaultPerPage = 50

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	return p
}

// StepResult is the recorded outcome of one executed step, aggregated into
// the task result on completion.
type StepResult struct {
	Step     string        `json:"step"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration_ns"`
	Stdout   string        `json:"stdout,omitempty"`
}

// TaskResult is the aggregated payload stored on a completed task.
type TaskResult struct {
	Steps []StepResult `json:"steps"`
}
