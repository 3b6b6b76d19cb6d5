// Package coordinator turns GitHub issues into tracked tasks. A
// delegation request names a repository plus either explicit issue
// numbers or a label filter; each matching issue gets at most one
// in-flight task.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/taskforge/internal/audit"
	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/engine"
	"github.com/basket/taskforge/internal/github"
	"github.com/basket/taskforge/internal/persistence"
)

// IssueService is the slice of the GitHub client delegation uses.
type IssueService interface {
	ListIssues(ctx context.Context, owner, repo string, opts github.ListIssuesOptions) ([]github.Issue, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error)
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	AddComment(ctx context.Context, owner, repo string, number int, body string) error
}

type Coordinator struct {
	store   *persistence.Store
	manager *engine.Manager
	issues  IssueService
	bus     *bus.Bus
	logger  *slog.Logger

	delegatedLabel string
}

func New(store *persistence.Store, manager *engine.Manager, issues IssueService, eventBus *bus.Bus, logger *slog.Logger, delegatedLabel string) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if delegatedLabel == "" {
		delegatedLabel = "delegated"
	}
	return &Coordinator{
		store:          store,
		manager:        manager,
		issues:         issues,
		bus:            eventBus,
		logger:         logger,
		delegatedLabel: delegatedLabel,
	}
}

// DelegateRequest selects the issues to delegate. IssueNumbers, when
// set, take precedence over Labels.
type DelegateRequest struct {
	Repository   string   `json:"repository"`
	IssueNumbers []int    `json:"issue_numbers,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	IssueState   string   `json:"issue_state,omitempty"`
	AutoApprove  bool     `json:"auto_approve"`
	Actor        string   `json:"actor,omitempty"`
}

// OutcomeStatus is the per-issue result of a delegation request.
type OutcomeStatus string

const (
	OutcomeCreated OutcomeStatus = "created"
	OutcomeSkipped OutcomeStatus = "skipped"
	// OutcomeFetchFailed marks an issue that could not be resolved
	// against GitHub; the rest of the batch still proceeds.
	OutcomeFetchFailed OutcomeStatus = "fetch_failed"
	// OutcomeEnqueueFailed marks a task that was created (and is
	// QUEUED) but whose auto-approve enqueue did not reach the
	// executor; the reconciler will surface it as stale.
	OutcomeEnqueueFailed OutcomeStatus = "enqueue_failed"
	OutcomeFailed        OutcomeStatus = "failed"
)

type IssueOutcome struct {
	IssueNumber int           `json:"issue_number"`
	Status      OutcomeStatus `json:"status"`
	TaskID      string        `json:"task_id,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

type DelegateResult struct {
	Repository    string         `json:"repository"`
	Outcomes      []IssueOutcome `json:"outcomes"`
	Created       int            `json:"created"`
	Skipped       int            `json:"skipped"`
	Failed        int            `json:"failed"`
	FetchFailed   int            `json:"fetch_failed"`
	EnqueueFailed int            `json:"enqueue_failed"`
}

// Delegate creates tasks for the selected issues. Per-issue failures,
// fetch errors included, land in the outcome list; only request-level
// problems (bad repository, GitHub throttling, the label listing
// itself failing) fail the whole call.
func (c *Coordinator) Delegate(ctx context.Context, req DelegateRequest) (*DelegateResult, error) {
	owner, repo, err := github.SplitRepository(req.Repository)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrValidation, err)
	}
	if len(req.IssueNumbers) == 0 && len(req.Labels) == 0 {
		return nil, fmt.Errorf("%w: issue_numbers or labels required", engine.ErrValidation)
	}

	candidates, err := c.selectCandidates(ctx, owner, repo, req)
	if err != nil {
		return nil, err
	}

	result := &DelegateResult{Repository: req.Repository}
	for _, cand := range candidates {
		outcome := c.delegateOne(ctx, owner, repo, req, cand)
		result.Outcomes = append(result.Outcomes, outcome)
		switch outcome.Status {
		case OutcomeCreated:
			result.Created++
		case OutcomeSkipped:
			result.Skipped++
		case OutcomeFetchFailed:
			result.FetchFailed++
		case OutcomeEnqueueFailed:
			result.EnqueueFailed++
		case OutcomeFailed:
			result.Failed++
		}
	}

	c.logger.Info("delegation swept",
		"repository", req.Repository,
		"created", result.Created, "skipped", result.Skipped,
		"failed", result.Failed, "fetch_failed", result.FetchFailed,
		"enqueue_failed", result.EnqueueFailed)
	if c.bus != nil {
		c.bus.Publish(bus.TopicDelegationDone, bus.DelegationCompletedEvent{
			Repository: req.Repository,
			Created:    result.Created,
			Skipped:    result.Skipped,
			Failed:     result.Failed + result.FetchFailed + result.EnqueueFailed,
		})
	}
	return result, nil
}

// candidate is an issue number paired with the result of resolving it.
// A fetch error rides along instead of aborting the request so the
// remaining issues still get processed.
type candidate struct {
	number   int
	issue    *github.Issue
	fetchErr string
}

// selectCandidates resolves the request to concrete issues. Explicit
// numbers win over the label filter. Rate limiting aborts the whole
// request (the caller backs off the batch); any other per-number fetch
// failure becomes that issue's outcome.
func (c *Coordinator) selectCandidates(ctx context.Context, owner, repo string, req DelegateRequest) ([]candidate, error) {
	if len(req.IssueNumbers) > 0 {
		var out []candidate
		for _, number := range req.IssueNumbers {
			issue, err := c.issues.GetIssue(ctx, owner, repo, number)
			if err != nil {
				if errors.Is(err, github.ErrRateLimited) {
					return nil, fmt.Errorf("%w: %v", engine.ErrRateLimited, err)
				}
				if errors.Is(err, github.ErrIssueNotFound) {
					out = append(out, candidate{number: number, fetchErr: "issue not found"})
					continue
				}
				c.logger.Warn("issue fetch failed",
					"repository", req.Repository, "issue_number", number, "error", err)
				out = append(out, candidate{number: number, fetchErr: err.Error()})
				continue
			}
			out = append(out, candidate{number: number, issue: issue})
		}
		return out, nil
	}

	issues, err := c.issues.ListIssues(ctx, owner, repo, github.ListIssuesOptions{
		Labels: req.Labels,
		State:  req.IssueState,
	})
	if err != nil {
		if errors.Is(err, github.ErrRateLimited) {
			return nil, fmt.Errorf("%w: %v", engine.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("%w: %v", engine.ErrAdapterUnavailable, err)
	}
	out := make([]candidate, 0, len(issues))
	for i := range issues {
		out = append(out, candidate{number: issues[i].Number, issue: &issues[i]})
	}
	return out, nil
}

func (c *Coordinator) delegateOne(ctx context.Context, owner, repo string, req DelegateRequest, cand candidate) IssueOutcome {
	if cand.fetchErr != "" {
		audit.Record(ctx, "delegate", "reject", "", req.Actor,
			fmt.Sprintf("issue %s/%s#%d fetch failed: %s", owner, repo, cand.number, cand.fetchErr))
		return IssueOutcome{IssueNumber: cand.number, Status: OutcomeFetchFailed, Reason: cand.fetchErr}
	}
	issue := *cand.issue

	task, err := c.store.CreateTask(ctx, persistence.NewTask{
		Repository:  req.Repository,
		IssueNumber: issue.Number,
		IssueTitle:  issue.Title,
		IssueURL:    issue.HTMLURL,
		AutoApprove: req.AutoApprove,
	})
	if err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			audit.Record(ctx, "delegate", "reject", "", req.Actor,
				fmt.Sprintf("issue %s#%d already in flight", req.Repository, issue.Number))
			return IssueOutcome{IssueNumber: issue.Number, Status: OutcomeSkipped, Reason: "task already in flight"}
		}
		c.logger.Error("create task failed",
			"repository", req.Repository, "issue_number", issue.Number, "error", err)
		return IssueOutcome{IssueNumber: issue.Number, Status: OutcomeFailed, Reason: err.Error()}
	}
	audit.Record(ctx, "delegate", "allow", task.ID, req.Actor, "")

	// Marking the issue on GitHub is best-effort: the task is already
	// tracked, and a label or comment failure must not undo that.
	if err := c.issues.AddLabels(ctx, owner, repo, issue.Number, []string{c.delegatedLabel}); err != nil {
		c.logger.Warn("label issue failed", "task_id", task.ID, "issue_number", issue.Number, "error", err)
	}
	comment := fmt.Sprintf("Task `%s` created for this issue.", task.ID)
	if err := c.issues.AddComment(ctx, owner, repo, issue.Number, comment); err != nil {
		c.logger.Warn("comment on issue failed", "task_id", task.ID, "issue_number", issue.Number, "error", err)
	}

	outcome := IssueOutcome{IssueNumber: issue.Number, Status: OutcomeCreated, TaskID: task.ID}
	if req.AutoApprove {
		actor := req.Actor
		if actor == "" {
			actor = "auto-approve"
		}
		if _, err := c.manager.Approve(ctx, task.ID, actor); err != nil {
			// The task exists either way; report how far it got.
			c.logger.Error("auto-approve failed", "task_id", task.ID, "error", err)
			outcome.Status = OutcomeEnqueueFailed
			outcome.Reason = fmt.Sprintf("created but auto-approve failed: %v", err)
		}
	}
	return outcome
}

// Preview lists the issues a label-filtered delegation would touch,
// without creating anything.
func (c *Coordinator) Preview(ctx context.Context, repository string, labels []string, state string) ([]github.Issue, error) {
	owner, repo, err := github.SplitRepository(repository)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrValidation, err)
	}
	issues, err := c.issues.ListIssues(ctx, owner, repo, github.ListIssuesOptions{Labels: labels, State: state})
	if err != nil {
		if errors.Is(err, github.ErrRateLimited) {
			return nil, fmt.Errorf("%w: %v", engine.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("%w: %v", engine.ErrAdapterUnavailable, err)
	}
	return issues, nil
}
