package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge/taskforge/pkg/runner"
	"github.com/taskforge/taskforge/pkg/telemetry"
)

func (d AgentDef) hasCapability(taskType string) bool {
	for _, c := range d.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// assignment is one task handed to a worker together with its run context.
// Cancelling the context cancels the task.
type assignment struct {
	task *Task
	ctx  context.Context
}

// agentWorker executes at most one task at a time. The dispatcher owns the
// mutable fields (status, currentTaskID, taskCount) under its lock; the
// worker goroutine only consumes assignments and reports back via release.
type agentWorker struct {
	def AgentDef
	d   *Dispatcher
	log *telemetry.Logger

	assign chan assignment

	// Guarded by the dispatcher mutex.
	status        AgentStatus
	currentTaskID string
	taskCount     int64
}

func newAgentWorker(def AgentDef, d *Dispatcher) *agentWorker {
	return &agentWorker{
		def:    def,
		d:      d,
		log:    d.log.WithAgentID(def.ID),
		assign: make(chan assignment, 1),
		status: AgentStatusIdle,
	}
}

func (w *agentWorker) canRun(task *Task) bool {
	if task.AgentID != "" {
		return task.AgentID == w.def.ID
	}
	return w.def.hasCapability(task.Type)
}

func (w *agentWorker) snapshotLocked() Agent {
	return Agent{
		ID:            w.def.ID,
		Name:          w.def.Name,
		Description:   w.def.Description,
		Capabilities:  append([]string(nil), w.def.Capabilities...),
		Status:        w.status,
		CurrentTaskID: w.currentTaskID,
		TaskCount:     w.taskCount,
	}
}

func (w *agentWorker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for a := range w.assign {
		terminal := w.execute(a.ctx, a.task)
		w.d.release(w, a.task.ID, terminal)
	}
}

// execute drives the task's step sequence and records the terminal outcome
// in the registry. Returns the terminal status reached.
func (w *agentWorker) execute(ctx context.Context, task *Task) TaskStatus {
	log := w.log.WithTaskID(task.ID)
	started := time.Now()

	var span trace.Span
	if w.d.tracer != nil {
		ctx, span = w.d.tracer.StartTaskSpan(ctx, task.ID, task.Type, w.def.ID)
		defer span.End()
	}
	log.Infof("executing task: type=%s", task.Type)

	steps := w.d.table[task.Type]
	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		if ctx.Err() != nil {
			return w.finishCancelled(task, log, span)
		}
		out, attempts, err := w.runStep(ctx, task, step)
		if err != nil {
			if ctx.Err() != nil {
				return w.finishCancelled(task, log, span)
			}
			return w.finishFailed(task, step, out, attempts, err, started, log, span)
		}
		results = append(results, StepResult{
			Step:     step.Name,
			ExitCode: out.ExitCode,
			Duration: out.Duration,
			Stdout:   out.Stdout,
		})
	}

	payload, err := json.Marshal(TaskResult{Steps: results})
	if err != nil {
		// Step results are plain structs; this cannot happen in practice.
		payload = json.RawMessage(`{"steps":[]}`)
		log.WithError(err).Error("failed to encode task result")
	}

	if _, err := w.d.registry.Transition(context.Background(), task.ID, TaskStatusCompleted,
		TransitionOpts{Result: payload}); err != nil {
		log.WithError(err).Error("failed to mark task completed")
	}
	w.d.metrics.RecordTaskCompleted(task.Type, string(TaskStatusCompleted), time.Since(started))
	if span != nil {
		telemetry.RecordSuccess(span)
	}
	log.Infof("task completed in %s", time.Since(started).Round(time.Millisecond))
	return TaskStatusCompleted
}

// runStep executes one step through the retry policy.
func (w *agentWorker) runStep(ctx context.Context, task *Task, step Step) (*runner.Output, runner.Attempts, error) {
	spec := step.Build(task.Config)
	if spec.Timeout == 0 {
		spec.Timeout = step.Timeout
	}
	classify := step.Classify
	if classify == nil {
		classify = runner.DefaultClassifier
	}
	policy := step.Retry
	if policy.MaxAttempts == 0 {
		policy = w.d.retry
	}

	stepCtx := ctx
	var span trace.Span
	if w.d.tracer != nil {
		stepCtx, span = w.d.tracer.StartStepSpan(ctx, task.ID, step.Name)
		defer span.End()
	}

	log := w.log.WithTaskID(task.ID).WithField("step", step.Name)
	onRetry := func(attempt int) {
		w.d.metrics.RecordRetry(task.Type, step.Name)
		log.Warnf("retrying step, attempt %d of %d", attempt+1, policy.MaxAttempts)
	}

	begin := time.Now()
	out, attempts, err := policy.Execute(stepCtx, func(c context.Context) (*runner.Output, error) {
		return w.d.ops.Run(c, spec)
	}, classify, onRetry)
	w.d.metrics.RecordOperation(task.Type, step.Name, string(attempts.Outcome), time.Since(begin))

	if span != nil {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
	}
	return out, attempts, err
}

func (w *agentWorker) finishFailed(task *Task, step Step, out *runner.Output, attempts runner.Attempts,
	cause error, started time.Time, log *telemetry.Logger, span trace.Span) TaskStatus {

	taskErr := &TaskError{
		Code:     failureCode(cause),
		Message:  fmt.Sprintf("step %s failed: %v", step.Name, cause),
		Step:     step.Name,
		Attempts: attempts.Count,
	}
	if out != nil {
		taskErr.Stdout = out.Stdout
		taskErr.Stderr = out.Stderr
		if out.ExitCode >= 0 {
			code := out.ExitCode
			taskErr.ExitCode = &code
		}
	}

	if _, err := w.d.registry.Transition(context.Background(), task.ID, TaskStatusFailed,
		TransitionOpts{Error: taskErr}); err != nil {
		log.WithError(err).Error("failed to mark task failed")
	}
	w.d.metrics.RecordTaskCompleted(task.Type, string(TaskStatusFailed), time.Since(started))
	w.d.metrics.RecordError(string(ErrorClassPermanent), taskErr.Code)
	if span != nil {
		telemetry.RecordError(span, cause)
	}
	log.WithError(cause).Errorf("task failed at step %s after %d attempts", step.Name, attempts.Count)
	return TaskStatusFailed
}

func (w *agentWorker) finishCancelled(task *Task, log *telemetry.Logger, span trace.Span) TaskStatus {
	_, err := w.d.registry.Transition(context.Background(), task.ID, TaskStatusCancelled, TransitionOpts{})
	switch {
	case err == nil:
		log.Info("task cancelled")
	case HasCode(err, ErrCodeAlreadyTerminal):
		// Cancel raced with completion; the first terminal state wins.
	default:
		log.WithError(err).Error("failed to mark task cancelled")
	}
	if span != nil {
		telemetry.RecordError(span, context.Canceled)
	}
	return TaskStatusCancelled
}

// failureCode maps a step failure to the task error code recorded on the task.
func failureCode(err error) string {
	switch {
	case errors.Is(err, runner.ErrTimedOut):
		return ErrCodeTimeout
	case runner.IsSpawnError(err):
		return ErrCodeSpawnFailed
	default:
		return ErrCodeExecFailed
	}
}
