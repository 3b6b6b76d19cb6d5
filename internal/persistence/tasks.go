package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskforge/internal/bus"
	"github.com/google/uuid"
)

// NewTask holds the fields needed to create a task for an issue.
type NewTask struct {
	Repository  string
	IssueNumber int
	IssueTitle  string
	IssueURL    string
	AutoApprove bool
}

func (n NewTask) validate() error {
	repo := strings.TrimSpace(n.Repository)
	if repo == "" || !strings.Contains(repo, "/") {
		return fmt.Errorf("repository must be owner/repo, got %q", n.Repository)
	}
	if n.IssueNumber <= 0 {
		return fmt.Errorf("issue_number must be positive, got %d", n.IssueNumber)
	}
	return nil
}

// CreateTask inserts a new PENDING task. The partial unique index on
// (repository, issue_number) rejects the insert when another task for
// the same issue is still in flight; that surfaces as ErrConflict.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (*Task, error) {
	if err := nt.validate(); err != nil {
		return nil, err
	}
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, repository, issue_number, issue_title, issue_url, status, auto_approve, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, strings.TrimSpace(nt.Repository), nt.IssueNumber, nt.IssueTitle, nt.IssueURL, TaskStatusPending, nt.AutoApprove); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s#%d", ErrConflict, nt.Repository, nt.IssueNumber)
			}
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", TaskStatusPending, "task.created", "", "{}"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{
			TaskID:      task.ID,
			Repository:  task.Repository,
			IssueNumber: task.IssueNumber,
			NewStatus:   string(task.Status),
		})
	}
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// FindInflight returns the non-terminal task for an issue, or
// ErrNotFound when the issue has no task in flight.
func (s *Store) FindInflight(ctx context.Context, repository string, issueNumber int) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE repository = ? AND issue_number = ? AND status IN ('PENDING', 'QUEUED', 'RUNNING');
	`, repository, issueNumber)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s#%d", ErrNotFound, repository, issueNumber)
		}
		return nil, fmt.Errorf("find inflight task: %w", err)
	}
	return &task, nil
}

// ListFilter narrows ListTasks. Zero values mean no filtering.
type ListFilter struct {
	Repository string
	Status     TaskStatus
	Limit      int
	Offset     int
}

// Pagination bounds for ListTasks. Callers that echo the limit back
// should clamp with the same values so offsets line up.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// ListTasks returns tasks newest first. Ordering ties on created_at
// break by id so pagination is stable.
func (s *Store) ListTasks(ctx context.Context, f ListFilter) ([]Task, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("invalid status filter %q", f.Status)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any
	if f.Repository != "" {
		conds = append(conds, "repository = ?")
		args = append(args, f.Repository)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?;"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// CountTasks returns the number of tasks matching the filter,
// ignoring its Limit and Offset. Pairs with ListTasks for pagination.
func (s *Store) CountTasks(ctx context.Context, f ListFilter) (int64, error) {
	if f.Status != "" && !f.Status.Valid() {
		return 0, fmt.Errorf("invalid status filter %q", f.Status)
	}

	query := `SELECT COUNT(1) FROM tasks`
	var conds []string
	var args []any
	if f.Repository != "" {
		conds = append(conds, "repository = ?")
		args = append(args, f.Repository)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, query+";", args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return total, nil
}

// CountTasksByStatus returns task counts per lifecycle state.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int64)
	for rows.Next() {
		var status TaskStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// transition is the shared retry-wrapped shell around transitionTaskTx.
// When applied, the returned task reflects the post-transition row.
func (s *Store) transition(
	ctx context.Context,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType, actor, payload string,
	extraSet string,
	extraArgs []any,
) (applied bool, current TaskStatus, task *Task, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin transition tx: %w", txErr)
		}
		defer func() { _ = tx.Rollback() }()

		var innerErr error
		applied, current, innerErr = s.transitionTaskTx(ctx, tx, taskID, allowedFrom, to, eventType, actor, payload, extraSet, extraArgs)
		if innerErr != nil {
			return innerErr
		}
		if !applied {
			return nil
		}
		return tx.Commit()
	})
	if err != nil {
		return false, current, nil, err
	}
	if !applied {
		return false, current, nil, nil
	}
	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		return true, current, nil, err
	}
	s.publishStateChange(task, current)
	return true, current, task, nil
}

// ApproveTask moves a PENDING task to QUEUED and records who approved
// it. Any other current state is an invalid transition.
func (s *Store) ApproveTask(ctx context.Context, taskID, approver string) (*Task, error) {
	applied, current, task, err := s.transition(ctx, taskID,
		[]TaskStatus{TaskStatusPending}, TaskStatusQueued,
		"task.approved", approver, "{}",
		"approved_by = ?, approved_at = CURRENT_TIMESTAMP", []any{approver})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: cannot approve task in %s", ErrInvalidTransition, current)
	}
	return task, nil
}

// CancelTask cancels a task that has not started running.
func (s *Store) CancelTask(ctx context.Context, taskID, actor string) (*Task, error) {
	applied, current, task, err := s.transition(ctx, taskID,
		[]TaskStatus{TaskStatusPending, TaskStatusQueued}, TaskStatusCancelled,
		"task.cancelled", actor, "{}", "", nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: cannot cancel task in %s", ErrInvalidTransition, current)
	}
	return task, nil
}

// MarkRunning records that the executor picked the task up. The bool
// is false when the task was no longer QUEUED; callers decide whether
// that is an error or a late callback to drop.
func (s *Store) MarkRunning(ctx context.Context, taskID string) (bool, TaskStatus, error) {
	applied, current, _, err := s.transition(ctx, taskID,
		[]TaskStatus{TaskStatusQueued}, TaskStatusRunning,
		"task.started", "executor", "{}", "", nil)
	return applied, current, err
}

// CompleteTask records successful execution.
func (s *Store) CompleteTask(ctx context.Context, taskID string) (bool, TaskStatus, error) {
	applied, current, task, err := s.transition(ctx, taskID,
		[]TaskStatus{TaskStatusRunning}, TaskStatusCompleted,
		"task.completed", "executor", "{}", "", nil)
	if applied && s.bus != nil && task != nil {
		s.bus.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{
			TaskID:      task.ID,
			Repository:  task.Repository,
			IssueNumber: task.IssueNumber,
			OldStatus:   string(current),
			NewStatus:   string(task.Status),
		})
	}
	return applied, current, err
}

// FailTask records terminal failure with the executor's error message.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) (bool, TaskStatus, error) {
	payload := "{}"
	applied, current, task, err := s.transition(ctx, taskID,
		[]TaskStatus{TaskStatusRunning}, TaskStatusFailed,
		"task.failed", "executor", payload,
		"error_message = ?", []any{errMsg})
	if applied && s.bus != nil && task != nil {
		s.bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{
			TaskID:      task.ID,
			Repository:  task.Repository,
			IssueNumber: task.IssueNumber,
			OldStatus:   string(current),
			NewStatus:   string(task.Status),
		})
	}
	return applied, current, err
}

// RequeueTask moves a RUNNING task back to QUEUED after a failure
// callback when retry budget remains, bumping retry_count.
func (s *Store) RequeueTask(ctx context.Context, taskID, errMsg string) (bool, TaskStatus, error) {
	applied, current, _, err := s.transition(ctx, taskID,
		[]TaskStatus{TaskStatusRunning}, TaskStatusQueued,
		"task.requeued", "executor", "{}",
		"error_message = ?, retry_count = retry_count + 1", []any{errMsg})
	return applied, current, err
}

// ForceFailTask fails a QUEUED task that never started, used by the
// operator-facing stale remediation path.
func (s *Store) ForceFailTask(ctx context.Context, taskID, actor, reason string) (*Task, error) {
	applied, current, task, err := s.transition(ctx, taskID,
		[]TaskStatus{TaskStatusQueued}, TaskStatusFailed,
		"task.force_failed", actor, "{}",
		"error_message = ?", []any{reason})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: cannot force-fail task in %s", ErrInvalidTransition, current)
	}
	return task, nil
}

// SetQueueTaskID records the handle returned by the queue dispatcher.
// The update only lands while the task is still QUEUED: a cancel that
// wins the race during enqueue must not have its terminal row touched
// afterwards, so that case is a no-op.
func (s *Store) SetQueueTaskID(ctx context.Context, taskID, queueTaskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET queue_task_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, queueTaskID, taskID, TaskStatusQueued)
	if err != nil {
		return fmt.Errorf("set queue task id: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set queue task id rows: %w", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return nil
}

// StaleQueuedTasks returns tasks that have sat QUEUED longer than the
// threshold without an executor picking them up.
func (s *Store) StaleQueuedTasks(ctx context.Context, threshold time.Duration) ([]Task, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'QUEUED' AND updated_at < ?
		ORDER BY updated_at ASC;
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale queued tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// ListTaskEvents returns the audit trail for a task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type, COALESCE(state_from, ''), state_to, COALESCE(actor, ''), payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var (
			event     TaskEvent
			stateFrom string
		)
		if err := rows.Scan(
			&event.EventID,
			&event.TaskID,
			&event.TraceID,
			&event.EventType,
			&stateFrom,
			&event.StateTo,
			&event.Actor,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		event.StateFrom = TaskStatus(stateFrom)
		out = append(out, event)
	}
	return out, rows.Err()
}
