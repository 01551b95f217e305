package stores

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/taskforge/taskforge/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func sampleTask(id string) *engine.Task {
	return &engine.Task{
		ID:        id,
		Type:      "run-diagnostic",
		Priority:  engine.PriorityNormal,
		Config:    map[string]string{"target": "node-1"},
		Status:    engine.TaskStatusPending,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStorePoolSettings(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path:            ":memory:",
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if got := store.db.Stats().MaxOpenConnections; got != 2 {
		t.Errorf("max open connections = %d, want 2", got)
	}

	// Zero values fall back to the defaults.
	def, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if def.cfg.MaxOpenConns != 25 || def.cfg.MaxIdleConns != 5 {
		t.Errorf("default pool = %d/%d, want 25/5", def.cfg.MaxOpenConns, def.cfg.MaxIdleConns)
	}
}

func TestStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("NewSQLiteStore accepted an empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"tasks", "task_events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestSaveTaskUpsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := sampleTask("task-1")
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	// Transition and save again: same row, updated fields.
	started := time.Now().UTC().Truncate(time.Second)
	task.Status = engine.TaskStatusRunning
	task.AgentID = "agent-a"
	task.StartedAt = &started
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask (update) failed: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != engine.TaskStatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.AgentID != "agent-a" {
		t.Errorf("agent_id = %s", got.AgentID)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, started)
	}
	if got.Config["target"] != "node-1" {
		t.Errorf("config = %v", got.Config)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("row count = %d after upsert, want 1", count)
	}
}

func TestSaveTaskTerminalFields(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	exitCode := 2
	completed := time.Now().UTC().Truncate(time.Second)
	task := sampleTask("task-failed")
	task.Status = engine.TaskStatusFailed
	task.CompletedAt = &completed
	task.Error = &engine.TaskError{
		Code:     engine.ErrCodeExecFailed,
		Message:  "step apply failed",
		Step:     "apply",
		ExitCode: &exitCode,
		Stderr:   "permission denied",
		Attempts: 3,
	}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	got, err := store.GetTask(ctx, "task-failed")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Error == nil {
		t.Fatal("error not round-tripped")
	}
	if got.Error.Code != engine.ErrCodeExecFailed || got.Error.Step != "apply" {
		t.Errorf("error = %+v", got.Error)
	}
	if got.Error.ExitCode == nil || *got.Error.ExitCode != 2 {
		t.Errorf("exit code = %v", got.Error.ExitCode)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("completed_at = %v", got.CompletedAt)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListTasksFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, spec := range []struct {
		id       string
		taskType string
		status   engine.TaskStatus
		agent    string
	}{
		{"t1", "run-diagnostic", engine.TaskStatusCompleted, "agent-a"},
		{"t2", "install-chart", engine.TaskStatusFailed, "agent-b"},
		{"t3", "run-diagnostic", engine.TaskStatusCompleted, "agent-b"},
	} {
		task := sampleTask(spec.id)
		task.Type = spec.taskType
		task.Status = spec.status
		task.AgentID = spec.agent
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	tasks, err := store.ListTasks(ctx, engine.ListFilter{Type: "run-diagnostic"}, 10, 0)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("type filter returned %d tasks, want 2", len(tasks))
	}
	// Newest first.
	if tasks[0].ID != "t3" || tasks[1].ID != "t1" {
		t.Errorf("order = %s, %s", tasks[0].ID, tasks[1].ID)
	}

	tasks, err = store.ListTasks(ctx, engine.ListFilter{Status: engine.TaskStatusFailed}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t2" {
		t.Errorf("status filter = %v", tasks)
	}

	tasks, err = store.ListTasks(ctx, engine.ListFilter{AgentID: "agent-b"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Errorf("agent filter returned %d tasks, want 2", len(tasks))
	}

	tasks, err = store.ListTasks(ctx, engine.ListFilter{}, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].ID != "t2" {
		t.Errorf("limit/offset page = %v", tasks)
	}

	total, err := store.CountTasks(ctx, engine.ListFilter{})
	if err != nil {
		t.Fatalf("CountTasks failed: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	total, err = store.CountTasks(ctx, engine.ListFilter{Type: "run-diagnostic"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("filtered total = %d, want 2", total)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := sampleTask("task-ev")
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	statuses := []engine.TaskStatus{
		engine.TaskStatusPending, engine.TaskStatusRunning, engine.TaskStatusCompleted,
	}
	for i, status := range statuses {
		ev := &engine.TaskEvent{
			ID:        string(rune('a' + i)),
			TaskID:    "task-ev",
			Status:    status,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			AgentID:   "agent-a",
		}
		if status == engine.TaskStatusCompleted {
			ev.Result = json.RawMessage(`{"steps":[]}`)
		}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := store.ListEvents(ctx, "task-ev")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("listed %d events, want 3", len(events))
	}
	for i, status := range statuses {
		if events[i].Status != status {
			t.Errorf("event %d status = %s, want %s", i, events[i].Status, status)
		}
	}
	if string(events[2].Result) != `{"steps":[]}` {
		t.Errorf("result = %s", events[2].Result)
	}
}
