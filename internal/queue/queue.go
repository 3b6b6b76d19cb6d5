// Package queue abstracts the execution queue that approved tasks are
// handed to. The HTTP dispatcher talks to an external executor
// service; the memory dispatcher backs tests and single-process runs.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnavailable means the dispatcher could not be reached or
	// answered with a server error.
	ErrUnavailable = errors.New("queue dispatcher unavailable")

	// ErrCancelUnsupported is returned by dispatchers that cannot
	// remove an already enqueued task.
	ErrCancelUnsupported = errors.New("queue cancel not supported")
)

// EnqueueRequest carries everything the executor needs to run a task
// and call back with the outcome.
type EnqueueRequest struct {
	TaskID      string `json:"task_id"`
	Repository  string `json:"repository"`
	IssueNumber int    `json:"issue_number"`
	IssueTitle  string `json:"issue_title"`
	IssueURL    string `json:"issue_url,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// Dispatcher hands tasks to the execution backend. Enqueue is
// idempotent on TaskID: enqueueing a task that is already queued
// returns the existing handle rather than a duplicate.
type Dispatcher interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (handle string, err error)
	Cancel(ctx context.Context, handle string) error
}

// HTTPDispatcher enqueues over HTTP to an executor service. The task
// id doubles as the queue task name, which is what makes retried
// enqueues collapse into one: the executor answers 409 for a name it
// has already accepted, and we treat that as success.
type HTTPDispatcher struct {
	baseURL string
	secret  string
	client  *http.Client
}

func NewHTTPDispatcher(baseURL, secret string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

type enqueueResponse struct {
	Handle string `json:"handle"`
}

func (d *HTTPDispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal enqueue request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build enqueue request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		httpReq.Header.Set("X-Queue-Secret", d.secret)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out enqueueResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
			return "", fmt.Errorf("decode enqueue response: %w", err)
		}
		if out.Handle == "" {
			out.Handle = req.TaskID
		}
		return out.Handle, nil
	case resp.StatusCode == http.StatusConflict:
		// Already enqueued under this name.
		return req.TaskID, nil
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: executor returned %d", ErrUnavailable, resp.StatusCode)
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("enqueue rejected with %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}

func (d *HTTPDispatcher) Cancel(ctx context.Context, handle string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.baseURL+"/tasks/"+handle, nil)
	if err != nil {
		return fmt.Errorf("build cancel request: %w", err)
	}
	if d.secret != "" {
		httpReq.Header.Set("X-Queue-Secret", d.secret)
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		// 404 means the executor never saw it or already dropped it.
		return nil
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return ErrCancelUnsupported
	default:
		return fmt.Errorf("cancel rejected with %d", resp.StatusCode)
	}
}

// MemoryDispatcher records enqueued tasks in memory. Enqueue is
// idempotent on task id, matching the HTTP dispatcher's contract.
type MemoryDispatcher struct {
	mu       sync.Mutex
	enqueued map[string]EnqueueRequest
	failNext error
}

func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{enqueued: make(map[string]EnqueueRequest)}
}

// FailNext makes the next Enqueue call return err once.
func (d *MemoryDispatcher) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}

func (d *MemoryDispatcher) Enqueue(_ context.Context, req EnqueueRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return "", err
	}
	d.enqueued[req.TaskID] = req
	return req.TaskID, nil
}

func (d *MemoryDispatcher) Cancel(_ context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.enqueued, handle)
	return nil
}

// Pending returns the task ids currently enqueued.
func (d *MemoryDispatcher) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.enqueued))
	for id := range d.enqueued {
		out = append(out, id)
	}
	return out
}

// Has reports whether the task id is enqueued.
func (d *MemoryDispatcher) Has(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.enqueued[taskID]
	return ok
}
