package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/taskforge/taskforge/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a task id has no archived row.
var ErrNotFound = errors.New("task not found in archive")

// SQLiteStore archives tasks and their progress events in SQLite. It
// implements engine.Archiver.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection-level setting, not covered by the DSN on every pool conn.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded SQL files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// SaveTask upserts the task's current state. Called on every transition, so
// the archived row always mirrors the registry.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *engine.Task) error {
	cfg, err := marshalNullable(task.Config)
	if err != nil {
		return fmt.Errorf("failed to encode task config: %w", err)
	}
	taskErr, err := marshalNullable(task.Error)
	if err != nil {
		return fmt.Errorf("failed to encode task error: %w", err)
	}

	query := `
		INSERT INTO tasks (id, task_type, agent_id, priority, config, status,
			created_at, started_at, completed_at, result, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			result = excluded.result,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.Type,
		nullString(task.AgentID),
		string(task.Priority),
		cfg,
		string(task.Status),
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
		rawNullable(task.Result),
		taskErr,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// AppendEvent stores one progress event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *engine.TaskEvent) error {
	evErr, err := marshalNullable(ev.Error)
	if err != nil {
		return fmt.Errorf("failed to encode event error: %w", err)
	}

	query := `
		INSERT INTO task_events (id, task_id, status, agent_id, result, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		ev.ID,
		ev.TaskID,
		string(ev.Status),
		nullString(ev.AgentID),
		rawNullable(ev.Result),
		evErr,
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetTask retrieves an archived task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*engine.Task, error) {
	query := `
		SELECT id, task_type, agent_id, priority, config, status,
			created_at, started_at, completed_at, result, error
		FROM tasks
		WHERE id = ?
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks lists archived tasks, newest first, with optional filters.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter engine.ListFilter, limit, offset int) ([]*engine.Task, error) {
	query := `
		SELECT id, task_type, agent_id, priority, config, status,
			created_at, started_at, completed_at, result, error
		FROM tasks
		WHERE (? = '' OR status = ?)
		  AND (? = '' OR task_type = ?)
		  AND (? = '' OR agent_id = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	status := string(filter.Status)
	rows, err := s.db.QueryContext(ctx, query,
		status, status,
		filter.Type, filter.Type,
		filter.AgentID, filter.AgentID,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*engine.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// CountTasks returns the number of archived tasks matching the filter.
func (s *SQLiteStore) CountTasks(ctx context.Context, filter engine.ListFilter) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM tasks
		WHERE (? = '' OR status = ?)
		  AND (? = '' OR task_type = ?)
		  AND (? = '' OR agent_id = ?)
	`

	status := string(filter.Status)
	var count int
	err := s.db.QueryRowContext(ctx, query,
		status, status,
		filter.Type, filter.Type,
		filter.AgentID, filter.AgentID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// ListEvents returns a task's archived events in emission order.
func (s *SQLiteStore) ListEvents(ctx context.Context, taskID string) ([]*engine.TaskEvent, error) {
	query := `
		SELECT id, task_id, status, agent_id, result, error, timestamp
		FROM task_events
		WHERE task_id = ?
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.TaskEvent{}
	for rows.Next() {
		ev := &engine.TaskEvent{}
		var status string
		var agentID, result, evErr sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TaskID, &status, &agentID, &result, &evErr, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Status = engine.TaskStatus(status)
		ev.AgentID = agentID.String
		if result.Valid {
			ev.Result = json.RawMessage(result.String)
		}
		if evErr.Valid {
			var te engine.TaskError
			if err := json.Unmarshal([]byte(evErr.String), &te); err != nil {
				return nil, fmt.Errorf("failed to decode event error: %w", err)
			}
			ev.Error = &te
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*engine.Task, error) {
	task := &engine.Task{}
	var agentID, cfg, result, taskErr sql.NullString
	var priority, status string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.Type,
		&agentID,
		&priority,
		&cfg,
		&status,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&result,
		&taskErr,
	)
	if err != nil {
		return nil, err
	}

	task.AgentID = agentID.String
	if startedAt.Valid {
		ts := startedAt.Time
		task.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		task.CompletedAt = &ts
	}
	task.Priority = engine.Priority(priority)
	task.Status = engine.TaskStatus(status)
	if cfg.Valid {
		if err := json.Unmarshal([]byte(cfg.String), &task.Config); err != nil {
			return nil, fmt.Errorf("failed to decode task config: %w", err)
		}
	}
	if result.Valid {
		task.Result = json.RawMessage(result.String)
	}
	if taskErr.Valid {
		var te engine.TaskError
		if err := json.Unmarshal([]byte(taskErr.String), &te); err != nil {
			return nil, fmt.Errorf("failed to decode task error: %w", err)
		}
		task.Error = &te
	}
	return task, nil
}

// marshalNullable encodes v as JSON, mapping nil maps and nil pointers to
// SQL NULL.
func marshalNullable(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case map[string]string:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *engine.TaskError:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func rawNullable(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
