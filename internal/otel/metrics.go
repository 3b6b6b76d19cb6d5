package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all TaskForge metrics instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	DelegateDuration  metric.Float64Histogram
	GitHubDuration    metric.Float64Histogram
	TasksCreated      metric.Int64Counter
	TasksSkipped      metric.Int64Counter
	TaskTransitions   metric.Int64Counter
	EnqueueAttempts   metric.Int64Counter
	EnqueueFailures   metric.Int64Counter
	CallbacksDropped  metric.Int64Counter
	TasksInFlight     metric.Int64UpDownCounter
	StaleTasksSighted metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskforge.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DelegateDuration, err = meter.Float64Histogram("taskforge.delegate.duration",
		metric.WithDescription("Delegation sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GitHubDuration, err = meter.Float64Histogram("taskforge.github.duration",
		metric.WithDescription("GitHub API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("taskforge.tasks.created",
		metric.WithDescription("Tasks created from delegated issues"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSkipped, err = meter.Int64Counter("taskforge.tasks.skipped",
		metric.WithDescription("Issues skipped because a task was already in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("taskforge.tasks.transitions",
		metric.WithDescription("Task state transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.EnqueueAttempts, err = meter.Int64Counter("taskforge.queue.enqueues",
		metric.WithDescription("Enqueue attempts against the execution queue"),
	)
	if err != nil {
		return nil, err
	}

	m.EnqueueFailures, err = meter.Int64Counter("taskforge.queue.failures",
		metric.WithDescription("Enqueue attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.CallbacksDropped, err = meter.Int64Counter("taskforge.callbacks.dropped",
		metric.WithDescription("Late or duplicate runner callbacks dropped"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksInFlight, err = meter.Int64UpDownCounter("taskforge.tasks.inflight",
		metric.WithDescription("Number of tasks currently pending, queued, or running"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleTasksSighted, err = meter.Int64Counter("taskforge.tasks.stale",
		metric.WithDescription("Stale queued tasks detected by the reconciler"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("taskforge.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
