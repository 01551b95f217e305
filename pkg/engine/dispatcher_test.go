package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskforge/taskforge/pkg/runner"
)

// fakeRunner records invocations and delegates to a scripted handler.
type fakeRunner struct {
	mu    sync.Mutex
	calls []runner.CommandSpec
	fn    func(ctx context.Context, spec runner.CommandSpec) (*runner.Output, error)
}

func (f *fakeRunner) Run(ctx context.Context, spec runner.CommandSpec) (*runner.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, spec)
	}
	return &runner.Output{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) callLabels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	labels := make([]string, len(f.calls))
	for i, c := range f.calls {
		if len(c.Args) > 0 {
			labels[i] = c.Args[0]
		}
	}
	return labels
}

// testTable builds a single-step table for the given task types. The step
// invokes the task type as the program and the "label" config value as the
// sole argument.
func testTable(types ...string) StepTable {
	table := StepTable{}
	for _, taskType := range types {
		taskType := taskType
		table[taskType] = []Step{{
			Name:    "exec",
			Timeout: 5 * time.Second,
			Build: func(cfg map[string]string) runner.CommandSpec {
				return runner.CommandSpec{Program: taskType, Args: []string{cfg["label"]}}
			},
		}}
	}
	return table
}

type testEngine struct {
	dispatcher *Dispatcher
	registry   *Registry
	events     *Broadcaster
	runner     *fakeRunner
}

func newTestEngine(t *testing.T, agents []AgentDef, table StepTable) *testEngine {
	t.Helper()

	events := NewBroadcaster()
	registry := NewRegistry(events, nil, nil)
	fake := &fakeRunner{}

	d, err := NewDispatcher(DispatcherConfig{
		Agents:   agents,
		Table:    table,
		Runner:   fake,
		Registry: registry,
		Retry:    runner.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	d.Start(context.Background())
	t.Cleanup(func() {
		d.Stop()
		events.Close()
	})
	return &testEngine{dispatcher: d, registry: registry, events: events, runner: fake}
}

func singleAgent(capabilities ...string) []AgentDef {
	return []AgentDef{{ID: "agent-a", Name: "Agent A", Capabilities: capabilities}}
}

func waitForStatus(t *testing.T, r *Registry, id string, want TaskStatus) *Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := r.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if task.Status == want {
			return task
		}
		if task.Status.IsTerminal() {
			t.Fatalf("task %s reached %s, want %s", id, task.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return nil
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEngine(t, singleAgent("run-diagnostic"), testTable("run-diagnostic"))
	ctx := context.Background()

	cases := []struct {
		name string
		spec TaskSpec
		code string
	}{
		{"empty type", TaskSpec{}, ErrCodeValidation},
		{"unknown capability", TaskSpec{Type: "reboot-world"}, ErrCodeUnknownCapability},
		{"unknown agent", TaskSpec{Type: "run-diagnostic", AgentID: "agent-z"}, ErrCodeUnknownCapability},
		{"bad priority", TaskSpec{Type: "run-diagnostic", Priority: "urgent"}, ErrCodeValidation},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := e.dispatcher.Submit(ctx, c.spec)
			if !HasCode(err, c.code) {
				t.Errorf("Submit error = %v, want code %s", err, c.code)
			}
		})
	}

	// Failed validation never creates a task.
	if n := e.registry.Len(); n != 0 {
		t.Errorf("registry holds %d tasks after rejected submissions, want 0", n)
	}
}

func TestSubmitAgentWithoutCapability(t *testing.T) {
	agents := []AgentDef{
		{ID: "agent-a", Name: "A", Capabilities: []string{"run-diagnostic"}},
		{ID: "agent-b", Name: "B", Capabilities: []string{"install-chart"}},
	}
	e := newTestEngine(t, agents, testTable("run-diagnostic", "install-chart"))

	_, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic", AgentID: "agent-b"})
	if !HasCode(err, ErrCodeUnknownCapability) {
		t.Errorf("Submit error = %v, want UNKNOWN_CAPABILITY", err)
	}
}

func TestSubmitRequiredConfigKey(t *testing.T) {
	table := testTable("run-diagnostic")
	table["run-diagnostic"][0].Required = []string{"target"}
	e := newTestEngine(t, singleAgent("run-diagnostic"), table)

	_, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if !HasCode(err, ErrCodeValidation) {
		t.Errorf("Submit without required key error = %v, want VALIDATION_ERROR", err)
	}

	_, err = e.dispatcher.Submit(context.Background(),
		TaskSpec{Type: "run-diagnostic", Config: map[string]string{"target": "node-1"}})
	if err != nil {
		t.Errorf("Submit with required key failed: %v", err)
	}
}

func TestTaskRunsToCompletion(t *testing.T) {
	e := newTestEngine(t, singleAgent("run-diagnostic"), testTable("run-diagnostic"))

	task, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := waitForStatus(t, e.registry, task.ID, TaskStatusCompleted)
	if done.AgentID != "agent-a" {
		t.Errorf("agent_id = %q, want agent-a", done.AgentID)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Error("lifecycle timestamps missing on completed task")
	}

	var result TaskResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		t.Fatalf("result payload not decodable: %v", err)
	}
	if len(result.Steps) != 1 || result.Steps[0].Step != "exec" {
		t.Errorf("result steps = %+v, want one exec step", result.Steps)
	}

	agents := e.dispatcher.Agents()
	if agents[0].Status != AgentStatusIdle || agents[0].TaskCount != 1 {
		t.Errorf("agent after completion = %s/count=%d, want idle/1", agents[0].Status, agents[0].TaskCount)
	}
}

func TestTaskFailsOnNonzeroExit(t *testing.T) {
	e := newTestEngine(t, singleAgent("run-diagnostic"), testTable("run-diagnostic"))
	e.runner.fn = func(_ context.Context, _ runner.CommandSpec) (*runner.Output, error) {
		return &runner.Output{ExitCode: 2, Stderr: "boom"}, nil
	}

	task, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	failed := waitForStatus(t, e.registry, task.ID, TaskStatusFailed)
	if failed.Error == nil {
		t.Fatal("failed task has no error")
	}
	if failed.Error.Code != ErrCodeExecFailed {
		t.Errorf("error code = %s, want EXEC_FAILED", failed.Error.Code)
	}
	if failed.Error.Step != "exec" {
		t.Errorf("error step = %s, want exec", failed.Error.Step)
	}
	if failed.Error.ExitCode == nil || *failed.Error.ExitCode != 2 {
		t.Errorf("error exit code = %v, want 2", failed.Error.ExitCode)
	}
	if failed.Error.Stderr != "boom" {
		t.Errorf("error stderr = %q, want boom", failed.Error.Stderr)
	}
	// Nonzero exit is permanent under the default classifier.
	if n := e.runner.callCount(); n != 1 {
		t.Errorf("%d invocations for a permanent failure, want 1", n)
	}
}

func TestTransientFailureRetries(t *testing.T) {
	table := testTable("run-diagnostic")
	table["run-diagnostic"][0].Classify = func(out *runner.Output, err error) runner.Outcome {
		if err != nil || out.ExitCode != 0 {
			return runner.OutcomeTransient
		}
		return runner.OutcomeSuccess
	}
	e := newTestEngine(t, singleAgent("run-diagnostic"), table)

	var calls int
	var mu sync.Mutex
	e.runner.fn = func(_ context.Context, _ runner.CommandSpec) (*runner.Output, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("transient wobble")
		}
		return &runner.Output{ExitCode: 0}, nil
	}

	task, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForStatus(t, e.registry, task.ID, TaskStatusCompleted)

	if n := e.runner.callCount(); n != 3 {
		t.Errorf("%d invocations, want 3 (two transient failures then success)", n)
	}
}

func TestRetriesExhaustedFailsTask(t *testing.T) {
	table := testTable("run-diagnostic")
	table["run-diagnostic"][0].Classify = func(*runner.Output, error) runner.Outcome {
		return runner.OutcomeTransient
	}
	e := newTestEngine(t, singleAgent("run-diagnostic"), table)
	e.runner.fn = func(_ context.Context, _ runner.CommandSpec) (*runner.Output, error) {
		return &runner.Output{ExitCode: 1}, nil
	}

	task, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	failed := waitForStatus(t, e.registry, task.ID, TaskStatusFailed)

	// Retry budget is MaxAttempts invocations, no more.
	if n := e.runner.callCount(); n != 3 {
		t.Errorf("%d invocations, want exactly 3", n)
	}
	if failed.Error == nil || failed.Error.Attempts != 3 {
		t.Errorf("recorded attempts = %+v, want 3", failed.Error)
	}
}

func TestPriorityOrdering(t *testing.T) {
	e := newTestEngine(t, singleAgent("run-diagnostic"), testTable("run-diagnostic"))

	// Hold the agent on the first task so the rest queue up.
	gate := make(chan struct{})
	e.runner.fn = func(ctx context.Context, spec runner.CommandSpec) (*runner.Output, error) {
		if len(spec.Args) > 0 && spec.Args[0] == "blocker" {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &runner.Output{ExitCode: 0}, nil
	}

	submit := func(label string, priority Priority) string {
		t.Helper()
		task, err := e.dispatcher.Submit(context.Background(), TaskSpec{
			Type:     "run-diagnostic",
			Priority: priority,
			Config:   map[string]string{"label": label},
		})
		if err != nil {
			t.Fatalf("Submit(%s) failed: %v", label, err)
		}
		return task.ID
	}

	blockerID := submit("blocker", PriorityNormal)
	waitForStatus(t, e.registry, blockerID, TaskStatusRunning)

	lowID := submit("low", PriorityLow)
	normalID := submit("normal", PriorityNormal)
	highID := submit("high", PriorityHigh)

	if depth := e.dispatcher.QueueDepth(); depth != 3 {
		t.Fatalf("queue depth = %d, want 3", depth)
	}

	close(gate)
	waitForStatus(t, e.registry, lowID, TaskStatusCompleted)
	waitForStatus(t, e.registry, normalID, TaskStatusCompleted)
	waitForStatus(t, e.registry, highID, TaskStatusCompleted)

	want := []string{"blocker", "high", "normal", "low"}
	got := e.runner.callLabels()
	if len(got) != len(want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestAgentMutualExclusion(t *testing.T) {
	e := newTestEngine(t, singleAgent("run-diagnostic"), testTable("run-diagnostic"))

	gate := make(chan struct{})
	e.runner.fn = func(ctx context.Context, _ runner.CommandSpec) (*runner.Output, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &runner.Output{ExitCode: 0}, nil
	}

	first, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, e.registry, first.ID, TaskStatusRunning)

	second, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatal(err)
	}

	// The single agent is busy; the second task must stay pending.
	time.Sleep(50 * time.Millisecond)
	got, _ := e.registry.Get(context.Background(), second.ID)
	if got.Status != TaskStatusPending {
		t.Fatalf("second task status = %s while agent busy, want pending", got.Status)
	}

	close(gate)
	waitForStatus(t, e.registry, first.ID, TaskStatusCompleted)
	waitForStatus(t, e.registry, second.ID, TaskStatusCompleted)
}

func TestParallelismAcrossAgents(t *testing.T) {
	agents := []AgentDef{
		{ID: "agent-a", Name: "A", Capabilities: []string{"run-diagnostic"}},
		{ID: "agent-b", Name: "B", Capabilities: []string{"run-diagnostic"}},
	}
	e := newTestEngine(t, agents, testTable("run-diagnostic"))

	var mu sync.Mutex
	running := 0
	peak := 0
	entered := make(chan struct{}, 2)
	gate := make(chan struct{})
	e.runner.fn = func(ctx context.Context, _ runner.CommandSpec) (*runner.Output, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		entered <- struct{}{}
		<-gate
		mu.Lock()
		running--
		mu.Unlock()
		return &runner.Output{ExitCode: 0}, nil
	}

	var ids []string
	for i := 0; i < 2; i++ {
		task, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, task.ID)
	}
	// Wait until both workers are inside the operation, not merely marked
	// running by the assignment, before releasing them.
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("workers never entered the operation together")
		}
	}
	close(gate)
	for _, id := range ids {
		waitForStatus(t, e.registry, id, TaskStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak)
	}
}

func TestPinnedTaskWaitsForItsAgent(t *testing.T) {
	agents := []AgentDef{
		{ID: "agent-a", Name: "A", Capabilities: []string{"run-diagnostic"}},
		{ID: "agent-b", Name: "B", Capabilities: []string{"run-diagnostic"}},
	}
	e := newTestEngine(t, agents, testTable("run-diagnostic"))

	gate := make(chan struct{})
	e.runner.fn = func(ctx context.Context, spec runner.CommandSpec) (*runner.Output, error) {
		if len(spec.Args) > 0 && spec.Args[0] == "blocker" {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &runner.Output{ExitCode: 0}, nil
	}

	blocker, err := e.dispatcher.Submit(context.Background(), TaskSpec{
		Type:    "run-diagnostic",
		AgentID: "agent-b",
		Config:  map[string]string{"label": "blocker"},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, e.registry, blocker.ID, TaskStatusRunning)

	pinned, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic", AgentID: "agent-b"})
	if err != nil {
		t.Fatal(err)
	}

	// agent-a is idle but the task is pinned to busy agent-b.
	time.Sleep(50 * time.Millisecond)
	got, _ := e.registry.Get(context.Background(), pinned.ID)
	if got.Status != TaskStatusPending {
		t.Fatalf("pinned task status = %s, want pending", got.Status)
	}

	close(gate)
	done := waitForStatus(t, e.registry, pinned.ID, TaskStatusCompleted)
	if done.AgentID != "agent-b" {
		t.Errorf("pinned task ran on %s, want agent-b", done.AgentID)
	}
}

func TestCancelPendingTask(t *testing.T) {
	e := newTestEngine(t, singleAgent("run-diagnostic"), testTable("run-diagnostic"))

	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	defer close(gate)
	e.runner.fn = func(ctx context.Context, _ runner.CommandSpec) (*runner.Output, error) {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return &runner.Output{ExitCode: 0}, nil
	}

	blocker, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatal(err)
	}
	// Wait for the agent to actually invoke the blocker's operation so the
	// call count below can only come from it.
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker never started executing")
	}
	waitForStatus(t, e.registry, blocker.ID, TaskStatusRunning)

	queued, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := e.dispatcher.Cancel(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != TaskStatusCancelled {
		t.Errorf("status after cancel = %s, want cancelled", cancelled.Status)
	}
	if cancelled.StartedAt != nil {
		t.Error("cancelled pending task has started_at set")
	}
	if e.dispatcher.QueueDepth() != 0 {
		t.Error("cancelled task still queued")
	}
	if n := e.runner.callCount(); n != 1 {
		t.Errorf("cancelled pending task was invoked, calls = %d", n)
	}
}

func TestCancelRunningTask(t *testing.T) {
	e := newTestEngine(t, singleAgent("run-diagnostic"), testTable("run-diagnostic"))
	e.runner.fn = func(ctx context.Context, _ runner.CommandSpec) (*runner.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	task, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, e.registry, task.ID, TaskStatusRunning)

	if _, err := e.dispatcher.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	waitForStatus(t, e.registry, task.ID, TaskStatusCancelled)

	// The agent must return to idle and keep serving.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.dispatcher.Agents()[0].Status == AgentStatusIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("agent never returned to idle after cancellation")
}

func TestCancelTerminalTaskIsBenign(t *testing.T) {
	e := newTestEngine(t, singleAgent("run-diagnostic"), testTable("run-diagnostic"))

	task, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, e.registry, task.ID, TaskStatusCompleted)

	got, err := e.dispatcher.Cancel(context.Background(), task.ID)
	if !HasCode(err, ErrCodeAlreadyTerminal) {
		t.Errorf("Cancel(terminal) error = %v, want ALREADY_TERMINAL", err)
	}
	if got == nil || got.Status != TaskStatusCompleted {
		t.Error("Cancel(terminal) did not return the task in its settled state")
	}
}

// Losing the cancel race to a terminal transition still hands back the
// settled task, never a nil alongside the ALREADY_TERMINAL error.
func TestCancelRaceReturnsSettledTask(t *testing.T) {
	e := newTestEngine(t, singleAgent("run-diagnostic"), testTable("run-diagnostic"))

	task, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, e.registry, task.ID, TaskStatusCompleted)

	got, err := e.dispatcher.cancelPending(context.Background(), task.ID)
	if !HasCode(err, ErrCodeAlreadyTerminal) {
		t.Errorf("cancelPending(terminal) error = %v, want ALREADY_TERMINAL", err)
	}
	if got == nil || got.Status != TaskStatusCompleted {
		t.Error("cancelPending(terminal) returned no settled task")
	}
}

func TestCancelUnknownTask(t *testing.T) {
	e := newTestEngine(t, singleAgent("run-diagnostic"), testTable("run-diagnostic"))
	_, err := e.dispatcher.Cancel(context.Background(), "no-such-task")
	if !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Cancel(unknown) error = %v, want NOT_FOUND", err)
	}
}

func TestMultiStepResultAggregation(t *testing.T) {
	table := StepTable{
		"run-diagnostic": {
			{Name: "first", Timeout: time.Second, Build: func(map[string]string) runner.CommandSpec {
				return runner.CommandSpec{Program: "a"}
			}},
			{Name: "second", Timeout: time.Second, Build: func(map[string]string) runner.CommandSpec {
				return runner.CommandSpec{Program: "b"}
			}},
		},
	}
	e := newTestEngine(t, singleAgent("run-diagnostic"), table)

	task, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatal(err)
	}
	done := waitForStatus(t, e.registry, task.ID, TaskStatusCompleted)

	var result TaskResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Steps) != 2 || result.Steps[0].Step != "first" || result.Steps[1].Step != "second" {
		t.Errorf("steps = %+v, want first then second", result.Steps)
	}
}

func TestFailureStopsRemainingSteps(t *testing.T) {
	table := StepTable{
		"run-diagnostic": {
			{Name: "first", Timeout: time.Second, Build: func(map[string]string) runner.CommandSpec {
				return runner.CommandSpec{Program: "a", Args: []string{"first"}}
			}},
			{Name: "second", Timeout: time.Second, Build: func(map[string]string) runner.CommandSpec {
				return runner.CommandSpec{Program: "b", Args: []string{"second"}}
			}},
		},
	}
	e := newTestEngine(t, singleAgent("run-diagnostic"), table)
	e.runner.fn = func(_ context.Context, spec runner.CommandSpec) (*runner.Output, error) {
		if spec.Program == "a" {
			return &runner.Output{ExitCode: 1}, nil
		}
		return &runner.Output{ExitCode: 0}, nil
	}

	task, err := e.dispatcher.Submit(context.Background(), TaskSpec{Type: "run-diagnostic"})
	if err != nil {
		t.Fatal(err)
	}
	failed := waitForStatus(t, e.registry, task.ID, TaskStatusFailed)

	if failed.Error == nil || failed.Error.Step != "first" {
		t.Errorf("failure step = %+v, want first", failed.Error)
	}
	labels := e.runner.callLabels()
	for _, l := range labels {
		if l == "second" {
			t.Error("second step ran after the first failed")
		}
	}
}
