package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/user/taskforge/internal/progress"
	"github.com/user/taskforge/internal/store"
)

type eventJSON struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id,omitempty"`
	EventType string `json:"event_type"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	CreatedAt string `json:"created_at"`
}

func toEventJSON(e *store.TaskEvent) eventJSON {
	out := eventJSON{
		ID:        e.ID,
		ProjectID: e.ProjectID,
		EventType: e.EventType,
		Message:   e.Message,
		CreatedAt: e.CreatedAt.Format(timeLayout),
	}
	if e.TaskID.Valid {
		out.TaskID = e.TaskID.String
	}
	var data any
	if e.DataJSON != "" && json.Unmarshal([]byte(e.DataJSON), &data) == nil {
		out.Data = data
	}
	return out
}

// streamEvents is the SSE endpoint: each frame is
// "event: <type>\ndata: <json>\n\n", keepalives are ": keepalive\n\n",
// and the stream ends after a terminal project event.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	projectID := r.PathValue("project_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := h.bus.Subscribe(r.Context(), projectID, 30*time.Second, func(frame progress.Frame) error {
		if frame.KeepAlive {
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}
		payload, err := json.Marshal(toEventJSON(frame.Event))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Event.EventType, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	// Disconnection and terminal events are both normal stream ends;
	// there is no error to report over a half-closed response.
	_ = err
}
