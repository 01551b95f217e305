package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/pkg/telemetry"
)

// Archiver persists task records and transition events beyond the process
// lifetime. The registry treats it as best-effort: archive failures are
// logged, never propagated into the task lifecycle.
type Archiver interface {
	SaveTask(ctx context.Context, task *Task) error
	AppendEvent(ctx context.Context, event *TaskEvent) error
}

// Registry is the single source of truth for task state during the process
// lifetime. All mutating operations on one task id are mutually exclusive;
// operations on different ids do not block each other.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*taskEntry
	order   []string // creation order; List walks it backwards (newest first)
	emitter *Broadcaster
	archive Archiver
	log     *telemetry.Logger
}

type taskEntry struct {
	mu   sync.Mutex
	task *Task
}

// TransitionOpts carries the optional payload of a transition.
type TransitionOpts struct {
	// AgentID records the executing agent at the pending -> running edge.
	AgentID string

	// Result is stored on the completed transition.
	Result json.RawMessage

	// Error is stored on the failed transition.
	Error *TaskError
}

// NewRegistry creates a registry publishing transitions to emitter and
// archiving through archive. Both may be nil in tests.
func NewRegistry(emitter *Broadcaster, archive Archiver, log *telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Registry{
		tasks:   make(map[string]*taskEntry),
		emitter: emitter,
		archive: archive,
		log:     log.NewComponentLogger("registry"),
	}
}

// Create persists a new pending task from a validated spec and returns a copy.
func (r *Registry) Create(ctx context.Context, spec TaskSpec) (*Task, error) {
	priority := spec.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	task := &Task{
		ID:        uuid.New().String(),
		Type:      spec.Type,
		AgentID:   spec.AgentID,
		Priority:  priority,
		Config:    spec.Config,
		Status:    TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.tasks[task.ID] = &taskEntry{task: task}
	r.order = append(r.order, task.ID)
	r.mu.Unlock()

	r.archiveTask(ctx, task)
	r.publish(task)

	r.log.WithTaskID(task.ID).WithField("task_type", task.Type).Debug("task created")
	return task.Clone(), nil
}

// Get returns a copy of the task or a NOT_FOUND error.
func (r *Registry) Get(_ context.Context, id string) (*Task, error) {
	entry := r.entry(id)
	if entry == nil {
		return nil, NewNotFoundError(id)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.task.Clone(), nil
}

// List returns tasks matching the filter, newest first, paginated, along with
// the total match count.
func (r *Registry) List(_ context.Context, filter ListFilter, page Page) ([]*Task, int, error) {
	page = page.normalize()

	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	matched := make([]*Task, 0)
	for i := len(ids) - 1; i >= 0; i-- {
		entry := r.entry(ids[i])
		if entry == nil {
			continue
		}
		entry.mu.Lock()
		t := entry.task
		ok := (filter.Status == "" || t.Status == filter.Status) &&
			(filter.Type == "" || t.Type == filter.Type) &&
			(filter.AgentID == "" || t.AgentID == filter.AgentID)
		var c *Task
		if ok {
			c = t.Clone()
		}
		entry.mu.Unlock()
		if c != nil {
			matched = append(matched, c)
		}
	}

	total := len(matched)
	start := (page.Number - 1) * page.PerPage
	if start >= total {
		return []*Task{}, total, nil
	}
	end := start + page.PerPage
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// Transition moves a task along one state machine edge. It fails with
// ALREADY_TERMINAL when the task is terminal and INVALID_TRANSITION for any
// edge outside the state machine, leaving the task unchanged in both cases.
// The transition event is published while the per-task lock is held, so every
// subscriber observes a task's transitions in the order they happened.
func (r *Registry) Transition(ctx context.Context, id string, to TaskStatus, opts TransitionOpts) (*Task, error) {
	entry := r.entry(id)
	if entry == nil {
		return nil, NewNotFoundError(id)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	task := entry.task
	if task.Status.IsTerminal() {
		return nil, NewAlreadyTerminalError(id, task.Status)
	}
	if !CanTransition(task.Status, to) {
		err := NewInvalidTransitionError(id, task.Status, to)
		r.log.WithTaskID(id).WithError(err).Error("rejected illegal task transition")
		return nil, err
	}

	now := time.Now().UTC()
	task.Status = to
	switch {
	case to == TaskStatusRunning:
		task.StartedAt = &now
		if opts.AgentID != "" {
			task.AgentID = opts.AgentID
		}
	case to.IsTerminal():
		task.CompletedAt = &now
		task.Result = opts.Result
		task.Error = opts.Error
	}

	r.archiveTask(ctx, task)
	r.publish(task)

	return task.Clone(), nil
}

// Len returns the number of tasks held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

func (r *Registry) entry(id string) *taskEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[id]
}

// publish emits a transition event. Callers hold the task's entry lock.
func (r *Registry) publish(task *Task) {
	ev := TaskEvent{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Status:    task.Status,
		Timestamp: time.Now().UTC(),
		AgentID:   task.AgentID,
		Result:    task.Result,
		Error:     task.Error,
	}
	if r.emitter != nil {
		r.emitter.Publish(ev)
	}
	if r.archive != nil {
		if err := r.archive.AppendEvent(context.Background(), &ev); err != nil {
			r.log.WithTaskID(task.ID).WithError(err).Warn("failed to archive task event")
		}
	}
}

func (r *Registry) archiveTask(ctx context.Context, task *Task) {
	if r.archive == nil {
		return
	}
	if err := r.archive.SaveTask(ctx, task); err != nil {
		r.log.WithTaskID(task.ID).WithError(err).Warn("failed to archive task")
	}
}
