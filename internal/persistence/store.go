// Package persistence owns the SQLite task store. All task state
// transitions go through a single transactional path that enforces the
// lifecycle graph and appends to the task_events audit trail.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "tf-v1-2026-08-delegation-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Sentinel errors returned by store operations. Callers map these to
// API error codes.
var (
	// ErrNotFound means no task exists with the given id.
	ErrNotFound = errors.New("task not found")

	// ErrConflict means the repository/issue pair already has a task
	// in a non-terminal state.
	ErrConflict = errors.New("task already in flight for issue")

	// ErrInvalidTransition means the requested transition is not
	// permitted from the task's current status.
	ErrInvalidTransition = errors.New("invalid task transition")
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// inflightStatuses are the non-terminal states counted by the
// one-task-per-issue uniqueness rule.
var inflightStatuses = []TaskStatus{TaskStatusPending, TaskStatusQueued, TaskStatusRunning}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusQueued:    {},
		TaskStatusCancelled: {},
	},
	TaskStatusQueued: {
		TaskStatusRunning:   {},
		TaskStatusCancelled: {},
		TaskStatusFailed:    {}, // stale force-fail
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusQueued:    {}, // retry requeue after a failure callback
	},
}

// IsTerminal reports whether status has no outgoing transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether status is one of the known lifecycle states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

type Task struct {
	ID           string     `json:"id"`
	Repository   string     `json:"repository"`
	IssueNumber  int        `json:"issue_number"`
	IssueTitle   string     `json:"issue_title"`
	IssueURL     string     `json:"issue_url,omitempty"`
	Status       TaskStatus `json:"status"`
	AutoApprove  bool       `json:"auto_approve"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	QueueTaskID  string     `json:"queue_task_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	TraceID   string     `json:"trace_id,omitempty"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Actor     string     `json:"actor,omitempty"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskforge", "taskforge.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// isUniqueViolation identifies a UNIQUE constraint failure, used to
// turn a racing duplicate insert into ErrConflict.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			repository TEXT NOT NULL,
			issue_number INTEGER NOT NULL,
			issue_title TEXT NOT NULL DEFAULT '',
			issue_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'QUEUED', 'RUNNING', 'COMPLETED', 'FAILED', 'CANCELLED')),
			auto_approve INTEGER NOT NULL DEFAULT 0,
			approved_by TEXT,
			approved_at DATETIME,
			queue_task_id TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			actor TEXT,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			task_id TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			actor TEXT,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		// At most one non-terminal task per repository/issue pair.
		// The partial unique index makes the check atomic with the
		// insert, so concurrent delegations cannot both succeed.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_inflight
			ON tasks(repository, issue_number)
			WHERE status IN ('PENDING', 'QUEUED', 'RUNNING');`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_repo_created ON tasks(repository, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queued_updated ON tasks(status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		approvedBy   sql.NullString
		approvedAt   sql.NullTime
		queueTaskID  sql.NullString
		errorMessage sql.NullString
	)
	if err := scanFn(
		&task.ID,
		&task.Repository,
		&task.IssueNumber,
		&task.IssueTitle,
		&task.IssueURL,
		&task.Status,
		&task.AutoApprove,
		&approvedBy,
		&approvedAt,
		&queueTaskID,
		&errorMessage,
		&task.RetryCount,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		t := approvedAt.Time
		task.ApprovedAt = &t
	} else {
		task.ApprovedAt = nil
	}
	task.QueueTaskID = queueTaskID.String
	task.ErrorMessage = errorMessage.String
	return nil
}

const taskColumns = `id, repository, issue_number, issue_title, issue_url, status, auto_approve,
	approved_by, approved_at, queue_task_id, error_message, retry_count, created_at, updated_at`

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, actor, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, actor, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), actor, payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx performs a compare-and-set status update together
// with its task_events append. It returns the status the task held
// before the attempt; applied is false when the task was not in one of
// allowedFrom (the row is left untouched in that case).
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	actor string,
	payload string,
	extraSet string,
	extraArgs []any,
) (applied bool, current TaskStatus, err error) {
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM tasks WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", ErrNotFound
		}
		return false, "", fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, current, nil
	}
	if !canTransition(current, to) {
		return false, current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	query := `UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP`
	if extraSet != "" {
		query += ", " + extraSet
	}
	query += ` WHERE id = ? AND status = ?;`

	args := append([]any{to}, extraArgs...)
	args = append(args, taskID, current)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, current, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, current, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, current, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, actor, payload); err != nil {
		return false, current, err
	}
	return true, current, nil
}

func (s *Store) publishStateChange(task *Task, from TaskStatus) {
	if s.bus == nil || task == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:      task.ID,
		Repository:  task.Repository,
		IssueNumber: task.IssueNumber,
		OldStatus:   string(from),
		NewStatus:   string(task.Status),
	})
}
