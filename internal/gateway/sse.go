package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/taskforge/internal/bus"
)

// sseEvent is a single server-sent event for one task's lifecycle.
type sseEvent struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	OldStatus  string `json:"old_status,omitempty"`
	NewStatus  string `json:"new_status,omitempty"`
	AgeSeconds int64  `json:"age_seconds,omitempty"`
}

// handleEventStream implements GET /api/v1/events?task_id=XXX. It
// subscribes to bus events filtered by task id and streams status
// changes as SSE until the task settles or the client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		http.Error(w, "task_id query parameter is required", http.StatusBadRequest)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	// Send the headers now so clients see the stream is open before
	// the first event arrives.
	flusher.Flush()

	sub := s.cfg.Bus.Subscribe("task.")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Debug("sse: client disconnected", "task_id", taskID)
			return

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}

			var out *sseEvent
			switch payload := event.Payload.(type) {
			case bus.TaskStateChangedEvent:
				if payload.TaskID != taskID {
					continue
				}
				out = &sseEvent{
					Type:      "state_changed",
					TaskID:    payload.TaskID,
					OldStatus: payload.OldStatus,
					NewStatus: payload.NewStatus,
				}
			case bus.TaskStaleEvent:
				if payload.TaskID != taskID {
					continue
				}
				out = &sseEvent{
					Type:       "stale",
					TaskID:     payload.TaskID,
					AgeSeconds: payload.AgeSeconds,
				}
			default:
				continue
			}

			data, err := json.Marshal(out)
			if err != nil {
				s.cfg.Logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				s.cfg.Logger.Debug("sse: write failed", "task_id", taskID, "error", err)
				return
			}
			flusher.Flush()

			// A terminal transition ends the stream.
			if out.Type == "state_changed" {
				switch out.NewStatus {
				case "COMPLETED", "FAILED", "CANCELLED":
					return
				}
			}
		}
	}
}
