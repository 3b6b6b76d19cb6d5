// Package cron runs the background loops: scheduled delegation sweeps
// from config, the stale-queue reconciler, and retention purges.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/coordinator"
	"github.com/basket/taskforge/internal/engine"
	"github.com/basket/taskforge/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Coordinator *coordinator.Coordinator
	Manager     *engine.Manager
	Store       *persistence.Store
	Logger      *slog.Logger

	Interval  time.Duration // tick interval; defaults to 1 minute if zero
	Schedules []config.ScheduleConfig

	StaleThresholdSeconds  int
	RetentionTaskEventDays int
	RetentionAuditLogDays  int
}

type entry struct {
	schedule config.ScheduleConfig
	nextRun  time.Time
}

// Scheduler ticks at a fixed interval, firing due delegation sweeps
// and the stale reconciler, plus a daily retention pass.
type Scheduler struct {
	coordinator *coordinator.Coordinator
	manager     *engine.Manager
	store       *persistence.Store
	logger      *slog.Logger
	interval    time.Duration

	retentionTaskEventDays int
	retentionAuditLogDays  int

	mu                    sync.Mutex
	entries               []entry
	staleThresholdSeconds int
	lastRetention         time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		coordinator:            cfg.Coordinator,
		manager:                cfg.Manager,
		store:                  cfg.Store,
		logger:                 logger,
		interval:               interval,
		staleThresholdSeconds:  cfg.StaleThresholdSeconds,
		retentionTaskEventDays: cfg.RetentionTaskEventDays,
		retentionAuditLogDays:  cfg.RetentionAuditLogDays,
	}
	s.UpdateSchedules(cfg.Schedules)
	return s
}

// UpdateSchedules replaces the schedule set, recomputing next-run
// times. Called at startup and after config reloads.
func (s *Scheduler) UpdateSchedules(schedules []config.ScheduleConfig) {
	now := time.Now()
	entries := make([]entry, 0, len(schedules))
	for _, sched := range schedules {
		next, err := NextRunTime(sched.CronExpr, now)
		if err != nil {
			s.logger.Error("skipping schedule with bad cron expression",
				"schedule", sched.Name, "cron", sched.CronExpr, "error", err)
			continue
		}
		entries = append(entries, entry{schedule: sched, nextRun: next})
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	s.logger.Info("schedules loaded", "count", len(entries))
}

// UpdateStaleThreshold replaces the stale-queue threshold. Called
// after config reloads.
func (s *Scheduler) UpdateStaleThreshold(seconds int) {
	s.mu.Lock()
	s.staleThresholdSeconds = seconds
	s.mu.Unlock()
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires due sweeps, reconciles the queue, and runs retention at
// most once a day.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, sched := range s.dueSchedules(now) {
		s.fire(ctx, sched)
	}

	s.mu.Lock()
	staleThreshold := s.staleThresholdSeconds
	s.mu.Unlock()
	if s.manager != nil && staleThreshold > 0 {
		if n, err := s.manager.ReconcileStale(ctx, staleThreshold); err != nil {
			s.logger.Error("stale reconcile failed", "error", err)
		} else if n > 0 {
			s.logger.Warn("stale queued tasks detected", "count", n)
		}
	}

	s.maybeRunRetention(ctx, now)
}

// dueSchedules returns schedules whose next run has passed and
// advances their next-run times.
func (s *Scheduler) dueSchedules(now time.Time) []config.ScheduleConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []config.ScheduleConfig
	for i := range s.entries {
		if s.entries[i].nextRun.After(now) {
			continue
		}
		due = append(due, s.entries[i].schedule)
		next, err := NextRunTime(s.entries[i].schedule.CronExpr, now)
		if err != nil {
			// Parsed once already at load; should not happen.
			continue
		}
		s.entries[i].nextRun = next
	}
	return due
}

func (s *Scheduler) fire(ctx context.Context, sched config.ScheduleConfig) {
	result, err := s.coordinator.Delegate(ctx, coordinator.DelegateRequest{
		Repository:  sched.Repository,
		Labels:      sched.Labels,
		IssueState:  sched.IssueState,
		AutoApprove: sched.AutoApprove,
		Actor:       "scheduler:" + sched.Name,
	})
	if err != nil {
		s.logger.Error("scheduled sweep failed",
			"schedule", sched.Name, "repository", sched.Repository, "error", err)
		return
	}
	s.logger.Info("scheduled sweep fired",
		"schedule", sched.Name, "repository", sched.Repository,
		"created", result.Created, "skipped", result.Skipped, "failed", result.Failed)
}

func (s *Scheduler) maybeRunRetention(ctx context.Context, now time.Time) {
	if s.store == nil || (s.retentionTaskEventDays <= 0 && s.retentionAuditLogDays <= 0) {
		return
	}
	s.mu.Lock()
	due := now.Sub(s.lastRetention) >= 24*time.Hour
	if due {
		s.lastRetention = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	result, err := s.store.RunRetention(ctx, s.retentionTaskEventDays, s.retentionAuditLogDays)
	if err != nil {
		s.logger.Error("retention run failed", "error", err)
		return
	}
	s.logger.Info("retention run complete",
		"purged_task_events", result.PurgedTaskEvents,
		"purged_audit_logs", result.PurgedAuditLogs)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
