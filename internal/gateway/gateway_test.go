package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/coordinator"
	"github.com/basket/taskforge/internal/engine"
	"github.com/basket/taskforge/internal/github"
	"github.com/basket/taskforge/internal/persistence"
	"github.com/basket/taskforge/internal/queue"
)

const testQueueSecret = "test-queue-secret"

type fakeIssues struct {
	issues map[int]github.Issue
}

func newFakeIssues(issues ...github.Issue) *fakeIssues {
	f := &fakeIssues{issues: make(map[int]github.Issue)}
	for _, issue := range issues {
		f.issues[issue.Number] = issue
	}
	return f
}

func (f *fakeIssues) ListIssues(_ context.Context, _, _ string, _ github.ListIssuesOptions) ([]github.Issue, error) {
	var out []github.Issue
	for _, issue := range f.issues {
		out = append(out, issue)
	}
	return out, nil
}

func (f *fakeIssues) GetIssue(_ context.Context, owner, repo string, number int) (*github.Issue, error) {
	issue, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s#%d", github.ErrIssueNotFound, owner, repo, number)
	}
	return &issue, nil
}

func (f *fakeIssues) AddLabels(_ context.Context, _, _ string, _ int, _ []string) error { return nil }
func (f *fakeIssues) AddComment(_ context.Context, _, _ string, _ int, _ string) error { return nil }

type testEnv struct {
	srv        *httptest.Server
	server     *Server
	store      *persistence.Store
	dispatcher *queue.MemoryDispatcher
	manager    *engine.Manager
	bus        *bus.Bus
}

func newTestEnv(t *testing.T, issues *fakeIssues) *testEnv {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskforge.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dispatcher := queue.NewMemoryDispatcher()
	manager := engine.NewManager(store, dispatcher, eventBus, nil, engine.Options{RetryMax: 0})
	coord := coordinator.New(store, manager, issues, eventBus, nil, "delegated")

	server := New(Config{
		Store:                 store,
		Coordinator:           coord,
		Manager:               manager,
		Bus:                   eventBus,
		QueueSecret:           testQueueSecret,
		ConfigFingerprint:     "cafef00d",
		StaleThresholdSeconds: 900,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, server: server, store: store, dispatcher: dispatcher, manager: manager, bus: eventBus}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (e *testEnv) callback(t *testing.T, kind, taskID, errMsg string) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(map[string]string{"task_id": taskID, "error": errMsg})
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/v1/callbacks/"+kind, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Queue-Secret", testQueueSecret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST callback %s: %v", kind, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil
	}
	return out
}

// delegateOne creates one PENDING task through the API and returns its id.
func (e *testEnv) delegateOne(t *testing.T, issueNumber int) string {
	t.Helper()
	resp, body := e.post(t, "/api/v1/delegate", map[string]any{
		"repository":    "acme/widgets",
		"issue_numbers": []int{issueNumber},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delegate status = %d, body %v", resp.StatusCode, body)
	}
	outcomes := body["outcomes"].([]any)
	taskID := outcomes[0].(map[string]any)["task_id"].(string)
	if taskID == "" {
		t.Fatal("expected task_id in outcome")
	}
	return taskID
}

func TestDelegateEndpoint(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(
		github.Issue{Number: 7, Title: "fix crash", HTMLURL: "https://example.com/7"},
	))

	resp, body := env.post(t, "/api/v1/delegate", map[string]any{
		"repository":    "acme/widgets",
		"issue_numbers": []int{7},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["created"].(float64) != 1 {
		t.Fatalf("created = %v", body["created"])
	}

	// Delegating the same issue again reports a skip, not an error.
	resp, body = env.post(t, "/api/v1/delegate", map[string]any{
		"repository":    "acme/widgets",
		"issue_numbers": []int{7},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second delegate status = %d", resp.StatusCode)
	}
	if body["skipped"].(float64) != 1 {
		t.Fatalf("skipped = %v", body["skipped"])
	}
}

func TestDelegate_InvalidBody(t *testing.T) {
	env := newTestEnv(t, newFakeIssues())
	resp, err := http.Post(env.srv.URL+"/api/v1/delegate", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDelegate_MissingSelector(t *testing.T) {
	env := newTestEnv(t, newFakeIssues())
	resp, _ := env.post(t, "/api/v1/delegate", map[string]any{"repository": "acme/widgets"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListTasks_FilterAndPagination(t *testing.T) {
	issues := newFakeIssues(
		github.Issue{Number: 1, Title: "one"},
		github.Issue{Number: 2, Title: "two"},
		github.Issue{Number: 3, Title: "three"},
	)
	env := newTestEnv(t, issues)
	for _, n := range []int{1, 2, 3} {
		env.delegateOne(t, n)
	}

	resp, body := env.get(t, "/api/v1/tasks?status=pending&limit=2&page=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if n := len(body["tasks"].([]any)); n != 2 {
		t.Fatalf("page 1 size = %d, want 2", n)
	}
	if total := body["total"].(float64); total != 3 {
		t.Fatalf("total = %v, want 3", total)
	}

	_, body = env.get(t, "/api/v1/tasks?status=pending&limit=2&page=2")
	if n := len(body["tasks"].([]any)); n != 1 {
		t.Fatalf("page 2 size = %d, want 1", n)
	}
	if total := body["total"].(float64); total != 3 {
		t.Fatalf("page 2 total = %v, want 3", total)
	}

	_, body = env.get(t, "/api/v1/tasks?repository=other/repo")
	if n := len(body["tasks"].([]any)); n != 0 {
		t.Fatalf("foreign repository returned %d tasks", n)
	}
}

func TestListTasks_OversizedLimitClamped(t *testing.T) {
	issues := newFakeIssues(
		github.Issue{Number: 1, Title: "one"},
		github.Issue{Number: 2, Title: "two"},
	)
	env := newTestEnv(t, issues)
	for _, n := range []int{1, 2} {
		env.delegateOne(t, n)
	}

	resp, body := env.get(t, "/api/v1/tasks?limit=10000")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	// The echoed limit is what the store applied, so page offsets
	// computed from it line up.
	if limit := body["limit"].(float64); limit != float64(persistence.MaxListLimit) {
		t.Fatalf("limit = %v, want %d", limit, persistence.MaxListLimit)
	}
	if n := len(body["tasks"].([]any)); n != 2 {
		t.Fatalf("tasks = %d, want 2", n)
	}

	// A clamped page 2 starts past the clamped page 1, not at
	// 10000*1.
	_, body = env.get(t, "/api/v1/tasks?limit=10000&page=2")
	if n := len(body["tasks"].([]any)); n != 0 {
		t.Fatalf("page 2 tasks = %d, want 0", n)
	}
	if total := body["total"].(float64); total != 2 {
		t.Fatalf("total = %v, want 2", total)
	}
}

func TestListTasks_UnknownStatus(t *testing.T) {
	env := newTestEnv(t, newFakeIssues())
	resp, _ := env.get(t, "/api/v1/tasks?status=bogus")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetTask(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(github.Issue{Number: 5, Title: "five"}))
	taskID := env.delegateOne(t, 5)

	resp, body := env.get(t, "/api/v1/tasks/"+taskID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "PENDING" {
		t.Fatalf("status = %v, want PENDING", body["status"])
	}

	resp, _ = env.get(t, "/api/v1/tasks/no-such-task")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task status = %d, want 404", resp.StatusCode)
	}
}

func TestTaskEventsEndpoint(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(github.Issue{Number: 5, Title: "five"}))
	taskID := env.delegateOne(t, 5)
	env.post(t, "/api/v1/tasks/"+taskID+"/approve", map[string]string{"approver": "alice"})

	resp, body := env.get(t, "/api/v1/tasks/"+taskID+"/events")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	events := body["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("event count = %d, want 2 (created, approved)", len(events))
	}
}

func TestApproveEndpoint(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(github.Issue{Number: 9, Title: "nine"}))
	taskID := env.delegateOne(t, 9)

	resp, body := env.post(t, "/api/v1/tasks/"+taskID+"/approve", map[string]string{"approver": "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "QUEUED" {
		t.Fatalf("status = %v, want QUEUED", body["status"])
	}
	if !env.dispatcher.Has(taskID) {
		t.Fatal("task not enqueued on dispatcher")
	}

	// Approving again is an invalid transition.
	resp, _ = env.post(t, "/api/v1/tasks/"+taskID+"/approve", map[string]string{"approver": "alice"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("repeat approve status = %d, want 409", resp.StatusCode)
	}
}

func TestApprove_DispatcherDown(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(github.Issue{Number: 9, Title: "nine"}))
	taskID := env.delegateOne(t, 9)

	env.dispatcher.FailNext(queue.ErrUnavailable)
	resp, body := env.post(t, "/api/v1/tasks/"+taskID+"/approve", map[string]string{"approver": "alice"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	// The transition committed; the response carries the QUEUED task.
	task := body["task"].(map[string]any)
	if task["status"] != "QUEUED" {
		t.Fatalf("task status = %v, want QUEUED", task["status"])
	}
}

func TestCancelEndpoint(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(github.Issue{Number: 4, Title: "four"}))
	taskID := env.delegateOne(t, 4)

	resp, body := env.post(t, "/api/v1/tasks/"+taskID+"/cancel", map[string]string{"actor": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "CANCELLED" {
		t.Fatalf("status = %v, want CANCELLED", body["status"])
	}

	// Cancelling a settled task is an invalid transition.
	resp, _ = env.post(t, "/api/v1/tasks/"+taskID+"/cancel", map[string]string{"actor": "bob"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("repeat cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestForceFailEndpoint(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(github.Issue{Number: 4, Title: "four"}))
	taskID := env.delegateOne(t, 4)
	env.post(t, "/api/v1/tasks/"+taskID+"/approve", map[string]string{"approver": "alice"})

	resp, body := env.post(t, "/api/v1/tasks/"+taskID+"/force-fail", map[string]string{
		"actor": "ops", "reason": "stuck for an hour",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "FAILED" {
		t.Fatalf("status = %v, want FAILED", body["status"])
	}
}

func TestCallbackLifecycle(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(github.Issue{Number: 11, Title: "eleven"}))
	taskID := env.delegateOne(t, 11)
	env.post(t, "/api/v1/tasks/"+taskID+"/approve", map[string]string{"approver": "alice"})

	resp, body := env.callback(t, "started", taskID, "")
	if resp.StatusCode != http.StatusOK || body["applied"] != true {
		t.Fatalf("started: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = env.callback(t, "completed", taskID, "")
	if resp.StatusCode != http.StatusOK || body["applied"] != true {
		t.Fatalf("completed: status=%d body=%v", resp.StatusCode, body)
	}
	if body["status"] != "COMPLETED" {
		t.Fatalf("status = %v", body["status"])
	}

	// A late failure callback after settling is dropped with 200.
	resp, body = env.callback(t, "failed", taskID, "executor crashed")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("late failed: status = %d, want 200", resp.StatusCode)
	}
	if body["dropped"] != true {
		t.Fatalf("late failed not dropped: %v", body)
	}
}

func TestCallback_OutOfOrderIsConflict(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(github.Issue{Number: 11, Title: "eleven"}))
	taskID := env.delegateOne(t, 11)
	env.post(t, "/api/v1/tasks/"+taskID+"/approve", map[string]string{"approver": "alice"})

	// completed before started: the task is QUEUED, not terminal.
	resp, _ := env.callback(t, "completed", taskID, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCallback_BadSecret(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(github.Issue{Number: 3, Title: "three"}))
	taskID := env.delegateOne(t, 3)

	raw, _ := json.Marshal(map[string]string{"task_id": taskID})
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/callbacks/started", bytes.NewReader(raw))
	req.Header.Set("X-Queue-Secret", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCallback_UnknownTask(t *testing.T) {
	env := newTestEnv(t, newFakeIssues())
	resp, _ := env.callback(t, "started", "no-such-task", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCallback_UnknownKind(t *testing.T) {
	env := newTestEnv(t, newFakeIssues())
	resp, _ := env.callback(t, "exploded", "some-task", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPreviewIssues(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(
		github.Issue{Number: 21, Title: "a bug", State: "open"},
	))

	resp, body := env.get(t, "/api/v1/repos/acme/widgets/issues?labels=bug&state=open")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["count"].(float64) != 1 {
		t.Fatalf("count = %v", body["count"])
	}

	// Preview is read-only: no tasks were created.
	_, tasks := env.get(t, "/api/v1/tasks")
	if n := len(tasks["tasks"].([]any)); n != 0 {
		t.Fatalf("preview created %d tasks", n)
	}
}

func TestPreviewIssues_BadPath(t *testing.T) {
	env := newTestEnv(t, newFakeIssues())
	resp, _ := env.get(t, "/api/v1/repos/acme/issues")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, newFakeIssues())
	resp, body := env.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["healthy"] != true {
		t.Fatalf("healthy = %v", body["healthy"])
	}
	if body["config_hash"] != "cafef00d" {
		t.Fatalf("config_hash = %v", body["config_hash"])
	}
}

func TestHealthz_ReflectsReloadedConfig(t *testing.T) {
	env := newTestEnv(t, newFakeIssues())

	env.server.UpdateRuntimeConfig("deadbeef", 60)

	_, body := env.get(t, "/healthz")
	if body["config_hash"] != "deadbeef" {
		t.Fatalf("config_hash = %v, want deadbeef", body["config_hash"])
	}
}

func TestMetricsJSON(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(github.Issue{Number: 2, Title: "two"}))
	env.delegateOne(t, 2)

	resp, body := env.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["pending_tasks"].(float64) != 1 {
		t.Fatalf("pending_tasks = %v", body["pending_tasks"])
	}
}

func TestMetricsPrometheus(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(github.Issue{Number: 2, Title: "two"}))
	env.delegateOne(t, 2)

	resp, err := http.Get(env.srv.URL + "/metrics/prometheus")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	text := buf.String()
	if !strings.Contains(text, "taskforge_pending_tasks 1") {
		t.Fatalf("missing pending gauge in:\n%s", text)
	}
	if !strings.Contains(text, "# TYPE taskforge_audit_rejects_total counter") {
		t.Fatalf("missing audit counter in:\n%s", text)
	}
}
