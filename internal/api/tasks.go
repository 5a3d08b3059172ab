package api

import (
	"net/http"

	"github.com/user/taskforge/internal/apperr"
	"github.com/user/taskforge/internal/store"
)

func (h *handler) listProjectTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.List(r.Context(), store.TaskFilter{
		ProjectID: r.PathValue("id"),
		Status:    r.URL.Query().Get("status"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]taskJSON, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskJSON(t))
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if task == nil {
		writeErr(w, apperr.NotFoundf("task %q not found", r.PathValue("id")))
		return
	}
	jsonResponse(w, http.StatusOK, toTaskJSON(task))
}

type updateTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Priority    *int    `json:"priority"`
	MaxRetries  *int    `json:"max_retries"`
}

func (h *handler) updateTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if task == nil {
		writeErr(w, apperr.NotFoundf("task %q not found", r.PathValue("id")))
		return
	}
	var req updateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	// Terminal tasks never mutate except via the explicit reset
	// endpoints; editing metadata mid-run is also off the table.
	if task.Status == store.TaskRunning || task.Status == store.TaskQueued || store.IsTerminal(task.Status) {
		writeErr(w, apperr.InvalidStatef("task %q cannot be edited in status %q", task.ID, task.Status))
		return
	}
	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.MaxRetries != nil {
		task.MaxRetries = *req.MaxRetries
	}
	if err := h.tasks.Update(r.Context(), task); err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toTaskJSON(task))
}

func (h *handler) retryTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.lifecycle.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toTaskJSON(task))
}

func (h *handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.lifecycle.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toTaskJSON(task))
}

type reviewTaskRequest struct {
	Approve bool `json:"approve"`
}

func (h *handler) reviewTask(w http.ResponseWriter, r *http.Request) {
	var req reviewTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	task, err := h.lifecycle.Review(r.Context(), r.PathValue("id"), req.Approve)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toTaskJSON(task))
}

type bulkTasksRequest struct {
	Action  string   `json:"action"` // "retry" or "cancel"
	TaskIDs []string `json:"task_ids"`
}

// bulkTasks applies retry or cancel across many tasks, reporting
// per-task outcomes instead of failing the whole batch on one error.
func (h *handler) bulkTasks(w http.ResponseWriter, r *http.Request) {
	var req bulkTasksRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Action != "retry" && req.Action != "cancel" {
		writeErr(w, apperr.Conflictf("unknown bulk action %q", req.Action))
		return
	}

	type outcome struct {
		TaskID string `json:"task_id"`
		OK     bool   `json:"ok"`
		Error  string `json:"error,omitempty"`
	}
	results := make([]outcome, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		var err error
		if req.Action == "retry" {
			_, err = h.lifecycle.Retry(r.Context(), id)
		} else {
			_, err = h.lifecycle.Cancel(r.Context(), id)
		}
		if err != nil {
			results = append(results, outcome{TaskID: id, Error: err.Error()})
			continue
		}
		results = append(results, outcome{TaskID: id, OK: true})
	}
	jsonResponse(w, http.StatusOK, map[string]any{"results": results})
}
