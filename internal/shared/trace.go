package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type repositoryKey struct{}
type approverKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRepository attaches the owner/repo slug to the context.
func WithRepository(ctx context.Context, repository string) context.Context {
	return context.WithValue(ctx, repositoryKey{}, repository)
}

// Repository extracts the owner/repo slug from context. Returns "" if absent.
func Repository(ctx context.Context) string {
	if v, ok := ctx.Value(repositoryKey{}).(string); ok {
		return v
	}
	return ""
}

// WithApprover attaches the approving principal to the context.
func WithApprover(ctx context.Context, approver string) context.Context {
	return context.WithValue(ctx, approverKey{}, approver)
}

// Approver extracts the approving principal from context. Returns "" if absent.
func Approver(ctx context.Context) string {
	if v, ok := ctx.Value(approverKey{}).(string); ok {
		return v
	}
	return ""
}
