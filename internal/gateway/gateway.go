// Package gateway exposes the task engine over HTTP: the delegation
// and lifecycle API, executor callbacks, health and metrics endpoints,
// and a WebSocket/SSE event stream fed by the in-process bus.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskforge/internal/audit"
	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/coordinator"
	"github.com/basket/taskforge/internal/engine"
	"github.com/basket/taskforge/internal/otel"
	"github.com/basket/taskforge/internal/persistence"
	"github.com/basket/taskforge/internal/shared"
)

type Config struct {
	Store       *persistence.Store
	Coordinator *coordinator.Coordinator
	Manager     *engine.Manager
	Bus         *bus.Bus
	Logger      *slog.Logger

	// QueueSecret authenticates executor callbacks via X-Queue-Secret.
	// Empty means callbacks are accepted unauthenticated (local dev).
	QueueSecret string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed in
	// /healthz so operators can tell which config is live.
	ConfigFingerprint string

	// StaleThresholdSeconds is the age at which a QUEUED task counts
	// as stale in /healthz and /metrics.
	StaleThresholdSeconds int

	// Optional OTel instrumentation.
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Server struct {
	cfg Config

	// Reloadable snapshot of the active config; the rest of cfg is
	// fixed at startup.
	mu                    sync.RWMutex
	configFingerprint     string
	staleThresholdSeconds int
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:                   cfg,
		configFingerprint:     cfg.ConfigFingerprint,
		staleThresholdSeconds: cfg.StaleThresholdSeconds,
	}
}

// UpdateRuntimeConfig swaps the values /healthz and the metrics
// endpoints report. Called after a config.yaml reload.
func (s *Server) UpdateRuntimeConfig(fingerprint string, staleThresholdSeconds int) {
	s.mu.Lock()
	s.configFingerprint = fingerprint
	s.staleThresholdSeconds = staleThresholdSeconds
	s.mu.Unlock()
}

func (s *Server) runtimeConfig() (fingerprint string, staleThresholdSeconds int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configFingerprint, s.staleThresholdSeconds
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/v1/delegate", s.handleDelegate)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskSubpath)
	mux.HandleFunc("/api/v1/repos/", s.handlePreviewIssues)
	mux.HandleFunc("/api/v1/callbacks/", s.handleCallback)
	mux.HandleFunc("/api/v1/events", s.handleEventStream)

	return s.instrument(mux)
}

// instrument wraps the mux with request duration recording and a
// server span when OTel is wired in.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Tracer == nil && s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.cfg.Tracer != nil {
			ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, r.Method+" "+r.URL.Path)
			defer span.End()
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
		}
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, persistence.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, engine.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrAdapterUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatusFor(err), map[string]any{
		"error": err.Error(),
		"class": string(engine.ClassifyError(err)),
	})
}

// actorFor resolves who a request acts as: the explicit body value
// wins, then the authenticated API key name, then "api".
func actorFor(r *http.Request, bodyActor string) string {
	if actor := strings.TrimSpace(bodyActor); actor != "" {
		return actor
	}
	if entry := KeyEntryFromContext(r.Context()); entry != nil && entry.Name != "" {
		return entry.Name
	}
	return "api"
}

// --- delegation ---

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req coordinator.DelegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	req.Actor = actorFor(r, req.Actor)

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	result, err := s.cfg.Coordinator.Delegate(ctx, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePreviewIssues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Path: /api/v1/repos/{owner}/{repo}/issues
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/repos/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "issues" || parts[0] == "" || parts[1] == "" {
		http.Error(w, "invalid path: expected /api/v1/repos/{owner}/{repo}/issues", http.StatusBadRequest)
		return
	}
	repository := parts[0] + "/" + parts[1]

	var labels []string
	if raw := r.URL.Query().Get("labels"); raw != "" {
		labels = strings.Split(raw, ",")
	}
	state := r.URL.Query().Get("state")

	issues, err := s.cfg.Coordinator.Preview(r.Context(), repository, labels, state)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"repository": repository,
		"issues":     issues,
		"count":      len(issues),
	})
}

// --- task reads ---

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	// Clamp here so the echoed limit matches what the store applies
	// and page offsets line up.
	if limit > persistence.MaxListLimit {
		limit = persistence.MaxListLimit
	}
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	filter := persistence.ListFilter{
		Repository: r.URL.Query().Get("repository"),
		Limit:      limit,
		Offset:     (page - 1) * limit,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := persistence.TaskStatus(strings.ToUpper(raw))
		if !status.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown status: " + raw})
			return
		}
		filter.Status = status
	}

	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.cfg.Store.CountTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		// Empty pages must serialize as [] rather than null.
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"page":  page,
		"limit": limit,
		"total": total,
	})
}

// handleTaskSubpath routes /api/v1/tasks/{id} and its actions.
func (s *Server) handleTaskSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetTask(w, r, taskID)
	case action == "events" && r.Method == http.MethodGet:
		s.handleTaskEvents(w, r, taskID)
	case action == "approve" && r.Method == http.MethodPost:
		s.handleApprove(w, r, taskID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, taskID)
	case action == "force-fail" && r.Method == http.MethodPost:
		s.handleForceFail(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		s.writeError(w, err)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), taskID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "events": events})
}

// --- lifecycle actions ---

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		Approver string `json:"approver"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	task, err := s.cfg.Manager.Approve(ctx, taskID, actorFor(r, body.Approver))
	if err != nil {
		// The QUEUED transition may have committed even though the
		// dispatcher was down; return the task so the caller sees it.
		if task != nil && errors.Is(err, engine.ErrAdapterUnavailable) {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error": err.Error(),
				"class": string(engine.ClassifyError(err)),
				"task":  task,
			})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		Actor string `json:"actor"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	task, err := s.cfg.Manager.Cancel(ctx, taskID, actorFor(r, body.Actor))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleForceFail(w http.ResponseWriter, r *http.Request, taskID string) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	task, err := s.cfg.Manager.ForceFail(ctx, taskID, actorFor(r, body.Actor), body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- executor callbacks ---

// handleCallback routes POST /api/v1/callbacks/{started|completed|failed}.
// Callbacks authenticate with the queue secret, not API keys: they come
// from the executor, not from operators.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeCallback(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid queue secret"})
		return
	}
	kind := strings.TrimPrefix(r.URL.Path, "/api/v1/callbacks/")

	var body struct {
		TaskID string `json:"task_id"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "task_id required"})
		return
	}

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	var result engine.CallbackResult
	var err error
	switch kind {
	case "started":
		result, err = s.cfg.Manager.HandleStarted(ctx, body.TaskID)
	case "completed":
		result, err = s.cfg.Manager.HandleCompleted(ctx, body.TaskID)
	case "failed":
		result, err = s.cfg.Manager.HandleFailed(ctx, body.TaskID, body.Error)
	default:
		http.Error(w, "unknown callback: "+kind, http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result.Dropped && s.cfg.Metrics != nil {
		s.cfg.Metrics.CallbacksDropped.Add(ctx, 1)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": body.TaskID,
		"applied": result.Applied,
		"dropped": result.Dropped,
		"status":  string(result.Status),
	})
}

func (s *Server) authorizeCallback(r *http.Request) bool {
	if s.cfg.QueueSecret == "" {
		return true
	}
	got := r.Header.Get("X-Queue-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.QueueSecret)) == 1
}

// --- health and metrics ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.CountTasksByStatus(r.Context())
	dbOK := err == nil
	fingerprint, staleThreshold := s.runtimeConfig()

	staleCount := 0
	if dbOK && staleThreshold > 0 {
		threshold := time.Duration(staleThreshold) * time.Second
		if stale, err := s.cfg.Store.StaleQueuedTasks(r.Context(), threshold); err == nil {
			staleCount = len(stale)
		}
	}

	payload := map[string]any{
		"healthy":      dbOK,
		"db_ok":        dbOK,
		"queued_tasks": counts[persistence.TaskStatusQueued],
		"stale_queued": staleCount,
		"config_hash":  fingerprint,
		"time_unix":    time.Now().Unix(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.CountTasksByStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	staleCount := 0
	if _, staleThreshold := s.runtimeConfig(); staleThreshold > 0 {
		threshold := time.Duration(staleThreshold) * time.Second
		if stale, err := s.cfg.Store.StaleQueuedTasks(r.Context(), threshold); err == nil {
			staleCount = len(stale)
		}
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"pending_tasks":   counts[persistence.TaskStatusPending],
		"queued_tasks":    counts[persistence.TaskStatusQueued],
		"running_tasks":   counts[persistence.TaskStatusRunning],
		"completed_tasks": counts[persistence.TaskStatusCompleted],
		"failed_tasks":    counts[persistence.TaskStatusFailed],
		"cancelled_tasks": counts[persistence.TaskStatusCancelled],
		"stale_queued":    staleCount,
		"audit_rejects":   audit.RejectCount(),
		"alloc_bytes":     mem.Alloc,
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.CountTasksByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	staleCount := 0
	if _, staleThreshold := s.runtimeConfig(); staleThreshold > 0 {
		threshold := time.Duration(staleThreshold) * time.Second
		if stale, err := s.cfg.Store.StaleQueuedTasks(r.Context(), threshold); err == nil {
			staleCount = len(stale)
		}
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	writeGauge := func(name, help string, value int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeGauge("taskforge_pending_tasks", "Tasks awaiting approval.", counts[persistence.TaskStatusPending])
	writeGauge("taskforge_queued_tasks", "Tasks handed to the execution queue.", counts[persistence.TaskStatusQueued])
	writeGauge("taskforge_running_tasks", "Tasks the executor reported started.", counts[persistence.TaskStatusRunning])
	writeGauge("taskforge_completed_tasks", "Tasks completed successfully.", counts[persistence.TaskStatusCompleted])
	writeGauge("taskforge_failed_tasks", "Tasks that failed terminally.", counts[persistence.TaskStatusFailed])
	writeGauge("taskforge_cancelled_tasks", "Tasks cancelled before running.", counts[persistence.TaskStatusCancelled])
	writeGauge("taskforge_stale_queued_tasks", "QUEUED tasks older than the stale threshold.", int64(staleCount))
	writeGauge("taskforge_alloc_bytes", "Current allocated memory in bytes.", int64(mem.Alloc))
	fmt.Fprintf(w, "# HELP taskforge_audit_rejects_total Rejected actions recorded in the audit log.\n")
	fmt.Fprintf(w, "# TYPE taskforge_audit_rejects_total counter\n")
	fmt.Fprintf(w, "taskforge_audit_rejects_total %d\n", audit.RejectCount())
}
