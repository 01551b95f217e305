package engine

import (
	"encoding/json"
	"fmt"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is accepted but not yet assigned.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning indicates an agent is executing the task.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusCompleted indicates all steps finished successfully.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates a step failed permanently or exhausted retries.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
// Terminal tasks never transition again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return nil
	default:
		return NewValidationError(fmt.Sprintf("invalid task status: %s", s))
	}
}

// CanTransition reports whether the edge from -> to is part of the task state
// machine. Legal edges: pending -> running, pending -> cancelled,
// running -> completed | failed | cancelled.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusPending:
		return to == TaskStatusRunning || to == TaskStatusCancelled
	case TaskStatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskStatus(str)
	return s.Validate()
}

// AgentStatus represents the availability of an execution agent.
type AgentStatus string

const (
	// AgentStatusIdle indicates the agent has no task assigned.
	AgentStatusIdle AgentStatus = "idle"

	// AgentStatusBusy indicates the agent is executing exactly one task.
	AgentStatusBusy AgentStatus = "busy"
)

// Priority orders tasks in the pending queue. It never preempts a running task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Weight returns the queue ordering weight; higher runs first.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Validate checks if the priority is valid. The empty string is accepted and
// treated as normal by the dispatcher.
func (p Priority) Validate() error {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, "":
		return nil
	default:
		return NewValidationError(fmt.Sprintf("invalid priority: %s", p))
	}
}
