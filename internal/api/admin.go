package api

import (
	"net/http"

	"github.com/user/taskforge/internal/store"
)

func (h *handler) adminStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projects, err := h.projects.List(ctx, store.ProjectFilter{})
	if err != nil {
		writeErr(w, err)
		return
	}
	projectsByStatus := map[string]int{}
	for _, p := range projects {
		projectsByStatus[p.Status]++
	}

	tasks, err := h.tasks.List(ctx, store.TaskFilter{})
	if err != nil {
		writeErr(w, err)
		return
	}
	tasksByStatus := map[string]int{}
	var totalCost float64
	for _, t := range tasks {
		tasksByStatus[t.Status]++
		totalCost += t.CostUSD
	}

	status, err := h.budget.Status(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"projects_by_status": projectsByStatus,
		"tasks_by_status":    tasksByStatus,
		"total_task_cost":    totalCost,
		"daily_committed":    status.DailyCommitted,
		"monthly_committed":  status.MonthlyCommitted,
	})
}

func (h *handler) adminResources(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		jsonResponse(w, http.StatusOK, []any{})
		return
	}
	statuses := h.monitor.Snapshot()
	out := make([]map[string]any, 0, len(statuses))
	for _, s := range statuses {
		entry := map[string]any{
			"backend_id": s.BackendID,
			"online":     s.Online,
			"checked_at": s.CheckedAt.Format(timeLayout),
		}
		if s.Metadata != nil {
			entry["metadata"] = s.Metadata
		}
		if !s.SkipUntil.IsZero() {
			entry["skip_until"] = s.SkipUntil.Format(timeLayout)
		}
		out = append(out, entry)
	}
	jsonResponse(w, http.StatusOK, out)
}
