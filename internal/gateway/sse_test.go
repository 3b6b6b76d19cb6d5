package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskforge/internal/github"
)

func TestEventStream_RequiresTaskID(t *testing.T) {
	env := newTestEnv(t, newFakeIssues())
	resp, err := http.Get(env.srv.URL + "/api/v1/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEventStream_DeliversTransitionsUntilTerminal(t *testing.T) {
	env := newTestEnv(t, newFakeIssues(github.Issue{Number: 6, Title: "six"}))
	taskID := env.delegateOne(t, 6)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/v1/events?task_id="+taskID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Drive the task to a terminal state once the stream is attached.
	go func() {
		time.Sleep(100 * time.Millisecond)
		if _, err := env.manager.Approve(context.Background(), taskID, "alice"); err != nil {
			t.Errorf("approve: %v", err)
		}
		if _, err := env.manager.Cancel(context.Background(), taskID, "alice"); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}()

	var got []sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev sseEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		got = append(got, ev)
	}

	if len(got) != 2 {
		t.Fatalf("event count = %d, want 2: %+v", len(got), got)
	}
	if got[0].NewStatus != "QUEUED" || got[1].NewStatus != "CANCELLED" {
		t.Fatalf("transitions = %+v", got)
	}
}
