// Package engine drives the task lifecycle: approval, cancellation,
// executor callbacks, and the stale-queue reconciler. All state lives
// in persistence; the engine adds queue handoff, retry policy, and
// audit around each transition.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basket/taskforge/internal/audit"
	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/persistence"
	"github.com/basket/taskforge/internal/queue"
)

type Manager struct {
	store      *persistence.Store
	dispatcher queue.Dispatcher
	bus        *bus.Bus
	logger     *slog.Logger

	callbackBaseURL string
	retryMax        atomic.Int32
}

type Options struct {
	CallbackBaseURL string
	RetryMax        int
}

func NewManager(store *persistence.Store, dispatcher queue.Dispatcher, eventBus *bus.Bus, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:           store,
		dispatcher:      dispatcher,
		bus:             eventBus,
		logger:          logger,
		callbackBaseURL: strings.TrimRight(opts.CallbackBaseURL, "/"),
	}
	m.retryMax.Store(int32(opts.RetryMax))
	return m
}

// SetRetryMax updates the requeue cap. Used by config hot-reload.
func (m *Manager) SetRetryMax(n int) {
	if n < 0 {
		n = 0
	}
	m.retryMax.Store(int32(n))
}

// Approve moves a PENDING task to QUEUED and hands it to the queue
// dispatcher. The QUEUED transition commits first: if the dispatcher
// is down the task stays QUEUED (the reconciler will surface it) and
// the caller gets ErrAdapterUnavailable alongside the task.
func (m *Manager) Approve(ctx context.Context, taskID, approver string) (*persistence.Task, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, fmt.Errorf("%w: approver is required", ErrValidation)
	}

	task, err := m.store.ApproveTask(ctx, taskID, approver)
	if err != nil {
		audit.Record(ctx, "approve", "reject", taskID, approver, err.Error())
		return nil, err
	}
	audit.Record(ctx, "approve", "allow", task.ID, approver, "")

	if err := m.enqueue(ctx, task); err != nil {
		m.logger.Error("enqueue after approval failed",
			"task_id", task.ID, "repository", task.Repository, "error", err,
			"error_class", string(ClassifyError(err)))
		return task, fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	return task, nil
}

func (m *Manager) enqueue(ctx context.Context, task *persistence.Task) error {
	callbackURL := ""
	if m.callbackBaseURL != "" {
		callbackURL = m.callbackBaseURL + "/api/v1/callbacks"
	}
	handle, err := m.dispatcher.Enqueue(ctx, queue.EnqueueRequest{
		TaskID:      task.ID,
		Repository:  task.Repository,
		IssueNumber: task.IssueNumber,
		IssueTitle:  task.IssueTitle,
		IssueURL:    task.IssueURL,
		CallbackURL: callbackURL,
	})
	if err != nil {
		return err
	}
	if err := m.store.SetQueueTaskID(ctx, task.ID, handle); err != nil {
		return err
	}
	task.QueueTaskID = handle
	return nil
}

// Cancel stops a task that has not started running. The queue entry,
// if any, is removed best-effort; a dispatcher that cannot cancel is
// not an error since the started callback will be dropped anyway.
func (m *Manager) Cancel(ctx context.Context, taskID, actor string) (*persistence.Task, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrValidation)
	}

	task, err := m.store.CancelTask(ctx, taskID, actor)
	if err != nil {
		audit.Record(ctx, "cancel", "reject", taskID, actor, err.Error())
		return nil, err
	}
	audit.Record(ctx, "cancel", "allow", task.ID, actor, "")

	if task.QueueTaskID != "" {
		if err := m.dispatcher.Cancel(ctx, task.QueueTaskID); err != nil {
			m.logger.Warn("queue cancel failed, relying on callback drop",
				"task_id", task.ID, "queue_task_id", task.QueueTaskID, "error", err)
		}
	}
	return task, nil
}

// CallbackResult reports what a lifecycle callback did. Dropped means
// the callback arrived after the task settled and was ignored.
type CallbackResult struct {
	Applied bool                   `json:"applied"`
	Dropped bool                   `json:"dropped"`
	Status  persistence.TaskStatus `json:"status"`
}

// HandleStarted processes the executor's started callback
// (QUEUED -> RUNNING). A duplicate while already RUNNING and a late
// arrival on a settled task are both dropped silently.
func (m *Manager) HandleStarted(ctx context.Context, taskID string) (CallbackResult, error) {
	applied, current, err := m.store.MarkRunning(ctx, taskID)
	if err != nil {
		return CallbackResult{}, err
	}
	if applied {
		audit.Record(ctx, "callback.started", "allow", taskID, "executor", "")
		return CallbackResult{Applied: true, Status: persistence.TaskStatusRunning}, nil
	}
	if current.IsTerminal() || current == persistence.TaskStatusRunning {
		m.logger.Info("dropping late started callback", "task_id", taskID, "status", string(current))
		return CallbackResult{Dropped: true, Status: current}, nil
	}
	audit.Record(ctx, "callback.started", "reject", taskID, "executor",
		fmt.Sprintf("task is %s", current))
	return CallbackResult{}, fmt.Errorf("%w: started callback for task in %s",
		persistence.ErrInvalidTransition, current)
}

// HandleCompleted processes the executor's success callback
// (RUNNING -> COMPLETED).
func (m *Manager) HandleCompleted(ctx context.Context, taskID string) (CallbackResult, error) {
	applied, current, err := m.store.CompleteTask(ctx, taskID)
	if err != nil {
		return CallbackResult{}, err
	}
	if applied {
		audit.Record(ctx, "callback.completed", "allow", taskID, "executor", "")
		return CallbackResult{Applied: true, Status: persistence.TaskStatusCompleted}, nil
	}
	if current.IsTerminal() {
		m.logger.Info("dropping late completed callback", "task_id", taskID, "status", string(current))
		return CallbackResult{Dropped: true, Status: current}, nil
	}
	audit.Record(ctx, "callback.completed", "reject", taskID, "executor",
		fmt.Sprintf("task is %s", current))
	return CallbackResult{}, fmt.Errorf("%w: completed callback for task in %s",
		persistence.ErrInvalidTransition, current)
}

// HandleFailed processes the executor's failure callback. When retry
// budget remains the task is requeued and re-enqueued instead of
// failing terminally.
func (m *Manager) HandleFailed(ctx context.Context, taskID, errMsg string) (CallbackResult, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return CallbackResult{}, err
	}

	retryMax := int(m.retryMax.Load())
	if task.RetryCount < retryMax {
		applied, current, err := m.store.RequeueTask(ctx, taskID, errMsg)
		if err != nil {
			return CallbackResult{}, err
		}
		if applied {
			audit.Record(ctx, "callback.failed", "allow", taskID, "executor",
				fmt.Sprintf("requeued, attempt %d of %d", task.RetryCount+1, retryMax))
			requeued, err := m.store.GetTask(ctx, taskID)
			if err != nil {
				return CallbackResult{}, err
			}
			if err := m.enqueue(ctx, requeued); err != nil {
				m.logger.Error("re-enqueue after failure callback failed",
					"task_id", taskID, "error", err)
			}
			return CallbackResult{Applied: true, Status: persistence.TaskStatusQueued}, nil
		}
		return m.failedNotApplied(ctx, taskID, current)
	}

	applied, current, err := m.store.FailTask(ctx, taskID, errMsg)
	if err != nil {
		return CallbackResult{}, err
	}
	if applied {
		audit.Record(ctx, "callback.failed", "allow", taskID, "executor", "retry budget exhausted")
		return CallbackResult{Applied: true, Status: persistence.TaskStatusFailed}, nil
	}
	return m.failedNotApplied(ctx, taskID, current)
}

func (m *Manager) failedNotApplied(ctx context.Context, taskID string, current persistence.TaskStatus) (CallbackResult, error) {
	if current.IsTerminal() {
		m.logger.Info("dropping late failed callback", "task_id", taskID, "status", string(current))
		return CallbackResult{Dropped: true, Status: current}, nil
	}
	audit.Record(ctx, "callback.failed", "reject", taskID, "executor",
		fmt.Sprintf("task is %s", current))
	return CallbackResult{}, fmt.Errorf("%w: failed callback for task in %s",
		persistence.ErrInvalidTransition, current)
}

// ForceFail fails a stuck QUEUED task on operator request.
func (m *Manager) ForceFail(ctx context.Context, taskID, actor, reason string) (*persistence.Task, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "force-failed by operator"
	}
	task, err := m.store.ForceFailTask(ctx, taskID, actor, reason)
	if err != nil {
		audit.Record(ctx, "force_fail", "reject", taskID, actor, err.Error())
		return nil, err
	}
	audit.Record(ctx, "force_fail", "allow", task.ID, actor, reason)
	return task, nil
}

// ReconcileStale flags QUEUED tasks older than threshold. They are
// surfaced on the bus and in logs, never auto-failed: the executor
// may just be slow, and failing it here would race a real start.
func (m *Manager) ReconcileStale(ctx context.Context, thresholdSeconds int) (int, error) {
	if thresholdSeconds <= 0 {
		return 0, nil
	}
	threshold := time.Duration(thresholdSeconds) * time.Second
	stale, err := m.store.StaleQueuedTasks(ctx, threshold)
	if err != nil {
		return 0, err
	}
	for _, task := range stale {
		age := int64(time.Since(task.UpdatedAt).Seconds())
		m.logger.Warn("task stuck in queue",
			"task_id", task.ID, "repository", task.Repository,
			"issue_number", task.IssueNumber, "age_seconds", age)
		if m.bus != nil {
			m.bus.Publish(bus.TopicTaskStale, bus.TaskStaleEvent{
				TaskID:      task.ID,
				Repository:  task.Repository,
				IssueNumber: task.IssueNumber,
				AgeSeconds:  age,
			})
		}
	}
	return len(stale), nil
}
