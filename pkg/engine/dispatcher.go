package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskforge/taskforge/pkg/runner"
	"github.com/taskforge/taskforge/pkg/telemetry"
)

// OperationRunner executes one external command invocation. *runner.Runner
// is the production implementation; tests substitute their own.
type OperationRunner interface {
	Run(ctx context.Context, spec runner.CommandSpec) (*runner.Output, error)
}

// DispatcherConfig wires a dispatcher's collaborators.
type DispatcherConfig struct {
	// Agents declares the execution slots, in assignment-preference order.
	Agents []AgentDef

	// Table maps task types to step sequences. Every capability an agent
	// declares must have an entry.
	Table StepTable

	// Runner executes operation invocations.
	Runner OperationRunner

	// Retry is the default retry policy for steps that do not override it.
	Retry runner.Policy

	Registry *Registry
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
	Logger   *telemetry.Logger
}

// Dispatcher routes submitted tasks to capable idle agents and queues the
// rest by priority. It owns agent lifecycle and task cancellation.
type Dispatcher struct {
	registry *Registry
	table    StepTable
	ops      OperationRunner
	retry    runner.Policy
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	log      *telemetry.Logger

	mu      sync.Mutex
	agents  []*agentWorker
	byID    map[string]*agentWorker
	queue   pendingQueue
	running map[string]context.CancelFunc
	started bool
	stopped bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewDispatcher validates the agent declarations against the step table and
// builds the dispatcher. Agents are not started until Start is called.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if len(cfg.Agents) == 0 {
		return nil, NewValidationError("at least one agent must be declared")
	}
	if cfg.Registry == nil {
		return nil, NewValidationError("dispatcher requires a registry")
	}
	if cfg.Runner == nil {
		return nil, NewValidationError("dispatcher requires an operation runner")
	}
	if cfg.Table == nil {
		cfg.Table = BuiltinSteps(DefaultToolPrograms())
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = runner.DefaultPolicy()
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	log = log.NewComponentLogger("dispatcher")

	d := &Dispatcher{
		registry: cfg.Registry,
		table:    cfg.Table,
		ops:      cfg.Runner,
		retry:    cfg.Retry,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		log:      log,
		byID:     make(map[string]*agentWorker),
		running:  make(map[string]context.CancelFunc),
	}

	for _, def := range cfg.Agents {
		if def.ID == "" {
			return nil, NewValidationError("agent declaration is missing an id")
		}
		if _, dup := d.byID[def.ID]; dup {
			return nil, NewValidationError(fmt.Sprintf("duplicate agent id %q", def.ID))
		}
		if len(def.Capabilities) == 0 {
			return nil, NewValidationError(fmt.Sprintf("agent %q declares no capabilities", def.ID))
		}
		for _, cap := range def.Capabilities {
			if _, ok := cfg.Table[cap]; !ok {
				return nil, NewValidationError(
					fmt.Sprintf("agent %q declares capability %q with no step definition", def.ID, cap))
			}
		}
		w := newAgentWorker(def, d)
		d.agents = append(d.agents, w)
		d.byID[def.ID] = w
	}

	return d, nil
}

// Start launches one worker goroutine per agent. Tasks submitted before
// Start queue up and are assigned once workers are live.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.baseCtx, d.baseCancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, w := range d.agents {
		d.wg.Add(1)
		go w.run(&d.wg)
	}
	d.log.Infof("dispatcher started with %d agents", len(d.agents))

	d.scheduleLocked()
}

// Stop cancels every running task, stops the workers, and waits for them to
// drain. Queued tasks stay pending in the registry.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.baseCancel()
	for _, w := range d.agents {
		close(w.assign)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info("dispatcher stopped")
}

// Submit validates the spec, registers the task, and either hands it to an
// idle capable agent or queues it by priority. Validation failures are
// synchronous and never create a task.
func (d *Dispatcher) Submit(ctx context.Context, spec TaskSpec) (*Task, error) {
	if spec.Type == "" {
		return nil, NewValidationError("task_type must not be empty")
	}
	if err := spec.Priority.Validate(); err != nil {
		return nil, err
	}

	if spec.AgentID != "" {
		w, ok := d.byID[spec.AgentID]
		if !ok {
			return nil, NewPermanentError(ErrCodeUnknownCapability,
				fmt.Sprintf("agent %q is not registered", spec.AgentID), nil)
		}
		if !w.def.hasCapability(spec.Type) {
			return nil, NewPermanentError(ErrCodeUnknownCapability,
				fmt.Sprintf("agent %q does not declare capability %q", spec.AgentID, spec.Type), nil)
		}
	} else if !d.anyCapable(spec.Type) {
		return nil, NewUnknownCapabilityError(spec.Type)
	}

	if err := d.table.ValidateConfig(spec.Type, spec.Config); err != nil {
		return nil, err
	}

	task, err := d.registry.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	d.metrics.RecordTaskSubmitted(task.Type, string(task.Priority))
	d.log.WithTaskID(task.ID).Infof("task submitted: type=%s priority=%s", task.Type, task.Priority)

	d.mu.Lock()
	if !d.started || d.stopped || !d.assignLocked(task) {
		d.queue.push(task)
	}
	d.updateGaugesLocked()
	d.mu.Unlock()

	return task, nil
}

// Cancel requests cancellation of a task. Pending tasks leave the queue and
// become cancelled immediately; running tasks have their run context
// cancelled and become cancelled once the agent observes it. Cancelling a
// terminal task returns the task alongside a benign ALREADY_TERMINAL error.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (*Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cancel, ok := d.running[taskID]; ok {
		cancel()
		d.log.WithTaskID(taskID).Info("cancellation requested for running task")
		return d.registry.Get(ctx, taskID)
	}

	if t := d.queue.remove(taskID); t != nil {
		d.updateGaugesLocked()
		return d.cancelPending(ctx, taskID)
	}

	task, err := d.registry.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, NewAlreadyTerminalError(taskID, task.Status)
	}
	// Pending but not yet queued: submission is between Create and enqueue.
	// Transitioning here wins the race; the submitter observes the terminal
	// state and drops the assignment.
	return d.cancelPending(ctx, taskID)
}

// cancelPending transitions a pending task to cancelled. When the task has
// already settled the error still reports ALREADY_TERMINAL, but the settled
// task is returned alongside it so callers never see a nil task for a known
// id.
func (d *Dispatcher) cancelPending(ctx context.Context, taskID string) (*Task, error) {
	task, err := d.registry.Transition(ctx, taskID, TaskStatusCancelled, TransitionOpts{})
	if err != nil && HasCode(err, ErrCodeAlreadyTerminal) {
		if settled, gerr := d.registry.Get(ctx, taskID); gerr == nil {
			return settled, err
		}
	}
	return task, err
}

// Agents returns a snapshot of every agent's state, in declaration order.
func (d *Dispatcher) Agents() []Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Agent, 0, len(d.agents))
	for _, w := range d.agents {
		out = append(out, w.snapshotLocked())
	}
	return out
}

// QueueDepth reports how many tasks are waiting for an agent.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.len()
}

func (d *Dispatcher) anyCapable(taskType string) bool {
	for _, w := range d.agents {
		if w.def.hasCapability(taskType) {
			return true
		}
	}
	return false
}

// assignLocked hands the task to an idle capable agent. Returns true when
// the task was consumed, either by assignment or because it raced with a
// cancellation and is already terminal.
func (d *Dispatcher) assignLocked(task *Task) bool {
	var target *agentWorker
	if task.AgentID != "" {
		if w := d.byID[task.AgentID]; w != nil && w.status == AgentStatusIdle {
			target = w
		}
	} else {
		for _, w := range d.agents {
			if w.status == AgentStatusIdle && w.def.hasCapability(task.Type) {
				target = w
				break
			}
		}
	}
	if target == nil {
		return false
	}

	runCtx, cancel := context.WithCancel(d.baseCtx)
	updated, err := d.registry.Transition(context.Background(), task.ID, TaskStatusRunning,
		TransitionOpts{AgentID: target.def.ID})
	if err != nil {
		cancel()
		if HasCode(err, ErrCodeAlreadyTerminal) {
			// Cancelled before assignment; nothing left to run.
			return true
		}
		d.log.WithTaskID(task.ID).WithError(err).Error("failed to mark task running")
		return true
	}

	target.status = AgentStatusBusy
	target.currentTaskID = task.ID
	d.running[task.ID] = cancel
	target.assign <- assignment{task: updated, ctx: runCtx}
	return true
}

// scheduleLocked drains the queue into idle agents. Called whenever an agent
// frees up or workers start.
func (d *Dispatcher) scheduleLocked() {
	if !d.started || d.stopped {
		return
	}
	for _, w := range d.agents {
		if w.status != AgentStatusIdle {
			continue
		}
		task := d.queue.popFor(w)
		if task == nil {
			continue
		}
		if !d.assignLocked(task) {
			d.queue.push(task)
		}
	}
	d.updateGaugesLocked()
}

// release is called by a worker after it finishes a task.
func (d *Dispatcher) release(w *agentWorker, taskID string, terminal TaskStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cancel, ok := d.running[taskID]; ok {
		cancel()
		delete(d.running, taskID)
	}
	w.status = AgentStatusIdle
	w.currentTaskID = ""
	if terminal == TaskStatusCompleted || terminal == TaskStatusFailed {
		w.taskCount++
	}
	d.scheduleLocked()
}

func (d *Dispatcher) updateGaugesLocked() {
	if d.metrics == nil {
		return
	}
	busy := 0
	for _, w := range d.agents {
		if w.status == AgentStatusBusy {
			busy++
		}
	}
	d.metrics.SetQueuedTasks(float64(d.queue.len()))
	d.metrics.SetRunningTasks(float64(busy))
	d.metrics.SetBusyAgents(float64(busy))
}
