package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTaskEvents int64 `json:"purged_task_events"`
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
}

// RunRetention deletes audit records older than the configured
// retention windows. Rows for tasks still in flight are kept so the
// trail stays complete until the task settles. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, taskEventDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if taskEventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -taskEventDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM task_events
			WHERE created_at < ?
			  AND task_id NOT IN (SELECT id FROM tasks WHERE status IN ('PENDING', 'QUEUED', 'RUNNING'));
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
