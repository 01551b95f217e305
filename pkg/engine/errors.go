// Package engine implements the task orchestration core: the task registry,
// the dispatcher, the execution agents, and the progress broadcaster.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: operation timeouts, failure to spawn the child process.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unknown task type, nonzero exit classified as fatal.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeUnknownCapability = "UNKNOWN_CAPABILITY"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeAlreadyTerminal   = "ALREADY_TERMINAL"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeSpawnFailed       = "SPAWN_FAILED"
	ErrCodeExecFailed        = "EXEC_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// Error represents a classified engine error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// TaskID is the task that caused the error, if applicable.
	TaskID string `json:"task_id,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.TaskID != "" {
		msg = fmt.Sprintf("%s (task=%s)", msg, e.TaskID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithTask adds task context to an error.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// NewTransientError creates a new transient error.
func NewTransientError(code, message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Code: code, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(code, message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: code, Message: message, Err: err}
}

// NewValidationError creates a permanent validation error surfaced
// synchronously at submission.
func NewValidationError(message string) *Error {
	return NewPermanentError(ErrCodeValidation, message, nil)
}

// NewUnknownCapabilityError reports a task type no declared agent can execute.
func NewUnknownCapabilityError(taskType string) *Error {
	return NewPermanentError(ErrCodeUnknownCapability,
		fmt.Sprintf("no agent declares capability %q", taskType), nil)
}

// NewNotFoundError reports an unknown task id.
func NewNotFoundError(taskID string) *Error {
	return NewPermanentError(ErrCodeNotFound, "task not found", nil).WithTask(taskID)
}

// NewInvalidTransitionError reports an illegal state machine edge. This is a
// programming-level invariant violation and is logged loudly by the registry.
func NewInvalidTransitionError(taskID string, from, to TaskStatus) *Error {
	return NewPermanentError(ErrCodeInvalidTransition,
		fmt.Sprintf("illegal transition %s -> %s", from, to), nil).WithTask(taskID)
}

// NewAlreadyTerminalError reports a redundant cancel. Benign, not a failure.
func NewAlreadyTerminalError(taskID string, status TaskStatus) *Error {
	return NewPermanentError(ErrCodeAlreadyTerminal,
		fmt.Sprintf("task already terminal with status %s", status), nil).WithTask(taskID)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// HasCode returns true if the error carries the given engine error code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
