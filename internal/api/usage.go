package api

import (
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/user/taskforge/internal/store"
)

func (h *handler) usageSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.budget.Summary(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	entries := make([]map[string]any, 0, len(summary.RecentCalls))
	for _, e := range summary.RecentCalls {
		entries = append(entries, usageEntryJSON(e))
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"project_id":   summary.ProjectID,
		"total_spend":  summary.TotalSpend,
		"recent_calls": entries,
	})
}

func (h *handler) usageBudget(w http.ResponseWriter, r *http.Request) {
	status, err := h.budget.Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"day_key":           status.DayKey,
		"month_key":         status.MonthKey,
		"daily_committed":   status.DailyCommitted,
		"daily_reserved":    status.DailyReserved,
		"daily_limit":       status.DailyLimit,
		"monthly_committed": status.MonthlyCommitted,
		"monthly_reserved":  status.MonthlyReserved,
		"monthly_limit":     status.MonthlyLimit,
	})
}

func (h *handler) usageDaily(w http.ResponseWriter, r *http.Request) {
	periods, err := h.usage.ListPeriods(r.Context(), "day", 31)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(periods))
	for _, p := range periods {
		out = append(out, map[string]any{
			"period_key":        p.PeriodKey,
			"total_cost_usd":    p.TotalCostUSD,
			"prompt_tokens":     humanize.Comma(int64(p.TotalPromptTokens)),
			"completion_tokens": humanize.Comma(int64(p.TotalCompletionTokens)),
			"api_calls":         p.APICallCount,
		})
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) usageByProject(w http.ResponseWriter, r *http.Request) {
	totals, err := h.usage.TotalsByProject(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(totals))
	for _, t := range totals {
		out = append(out, map[string]any{
			"project_id":        t.ProjectID,
			"total_cost_usd":    t.TotalCostUSD,
			"prompt_tokens":     t.PromptTokens,
			"completion_tokens": t.CompletionTokens,
			"api_calls":         t.CallCount,
		})
	}
	jsonResponse(w, http.StatusOK, out)
}

func usageEntryJSON(e *store.UsageLogEntry) map[string]any {
	out := map[string]any{
		"id":                e.ID,
		"provider":          e.Provider,
		"model":             e.Model,
		"prompt_tokens":     e.PromptTokens,
		"completion_tokens": e.CompletionTokens,
		"cost_usd":          e.CostUSD,
		"purpose":           e.Purpose,
		"created_at":        e.CreatedAt.Format(timeLayout),
	}
	if e.ProjectID.Valid {
		out["project_id"] = e.ProjectID.String
	}
	if e.TaskID.Valid {
		out["task_id"] = e.TaskID.String
	}
	return out
}
