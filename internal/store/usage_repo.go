package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UsageRepo persists individual LLM call spend records and the rolling
// daily/monthly aggregates the Budget Manager checks against.
type UsageRepo struct {
	s *Store
}

func NewUsageRepo(s *Store) *UsageRepo { return &UsageRepo{s: s} }

// Record inserts one usage_log row and upserts the daily and monthly
// budget_periods rows in the same transaction, so a crash never leaves
// the aggregate out of sync with the log it was derived from.
func (r *UsageRepo) Record(ctx context.Context, entry *UsageLogEntry, dayKey, monthKey string) error {
	return r.s.WithTx(ctx, func(ctx context.Context) error {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = nowUTC()
		}
		res, err := r.s.ExecWrite(ctx, `
INSERT INTO usage_log (project_id, task_id, provider, model, prompt_tokens, completion_tokens, cost_usd, purpose, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, entry.ProjectID, entry.TaskID, entry.Provider, entry.Model, entry.PromptTokens, entry.CompletionTokens,
			entry.CostUSD, entry.Purpose, formatTimestamp(entry.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to record usage: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			entry.ID = id
		}

		if err := r.upsertPeriod(ctx, dayKey, "day", entry.PromptTokens, entry.CompletionTokens, entry.CostUSD); err != nil {
			return err
		}
		return r.upsertPeriod(ctx, monthKey, "month", entry.PromptTokens, entry.CompletionTokens, entry.CostUSD)
	})
}

func (r *UsageRepo) upsertPeriod(ctx context.Context, key, periodType string, promptTokens, completionTokens int, cost float64) error {
	_, err := r.s.ExecWrite(ctx, `
INSERT INTO budget_periods (period_key, period_type, total_cost_usd, total_prompt_tokens, total_completion_tokens, api_call_count)
VALUES (?, ?, ?, ?, ?, 1)
ON CONFLICT(period_key) DO UPDATE SET
	total_cost_usd = total_cost_usd + excluded.total_cost_usd,
	total_prompt_tokens = total_prompt_tokens + excluded.total_prompt_tokens,
	total_completion_tokens = total_completion_tokens + excluded.total_completion_tokens,
	api_call_count = api_call_count + 1
`, key, periodType, cost, promptTokens, completionTokens)
	if err != nil {
		return fmt.Errorf("failed to upsert budget period %q: %w", key, err)
	}
	return nil
}

func (r *UsageRepo) GetPeriod(ctx context.Context, key string) (*BudgetPeriod, error) {
	var p BudgetPeriod
	err := r.s.QueryRow(ctx, `
SELECT period_key, period_type, total_cost_usd, total_prompt_tokens, total_completion_tokens, api_call_count
FROM budget_periods WHERE period_key = ?
`, key).Scan(&p.PeriodKey, &p.PeriodType, &p.TotalCostUSD, &p.TotalPromptTokens, &p.TotalCompletionTokens, &p.APICallCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget period %q: %w", key, err)
	}
	return &p, nil
}

// SumByProject returns the total cost recorded for a project, used for
// the per-project budget cap.
func (r *UsageRepo) SumByProject(ctx context.Context, projectID string) (float64, error) {
	var total sql.NullFloat64
	err := r.s.QueryRow(ctx, `SELECT SUM(cost_usd) FROM usage_log WHERE project_id = ?`, projectID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage for project %q: %w", projectID, err)
	}
	return total.Float64, nil
}

// ListPeriods returns the aggregates of one period type, newest key
// first, for the daily-usage endpoint.
func (r *UsageRepo) ListPeriods(ctx context.Context, periodType string, limit int) ([]*BudgetPeriod, error) {
	rows, err := r.s.Query(ctx, `
SELECT period_key, period_type, total_cost_usd, total_prompt_tokens, total_completion_tokens, api_call_count
FROM budget_periods WHERE period_type = ? ORDER BY period_key DESC LIMIT ?
`, periodType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list budget periods: %w", err)
	}
	defer rows.Close()

	periods := []*BudgetPeriod{}
	for rows.Next() {
		var p BudgetPeriod
		if err := rows.Scan(&p.PeriodKey, &p.PeriodType, &p.TotalCostUSD, &p.TotalPromptTokens, &p.TotalCompletionTokens, &p.APICallCount); err != nil {
			return nil, fmt.Errorf("failed to scan budget period: %w", err)
		}
		periods = append(periods, &p)
	}
	return periods, rows.Err()
}

// ProjectTotal is a per-project spend rollup.
type ProjectTotal struct {
	ProjectID        string
	TotalCostUSD     float64
	PromptTokens     int
	CompletionTokens int
	CallCount        int
}

// TotalsByProject aggregates the usage log per project for the
// by-project usage endpoint.
func (r *UsageRepo) TotalsByProject(ctx context.Context) ([]*ProjectTotal, error) {
	rows, err := r.s.Query(ctx, `
SELECT project_id, SUM(cost_usd), SUM(prompt_tokens), SUM(completion_tokens), COUNT(*)
FROM usage_log WHERE project_id IS NOT NULL GROUP BY project_id ORDER BY SUM(cost_usd) DESC
`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage by project: %w", err)
	}
	defer rows.Close()

	totals := []*ProjectTotal{}
	for rows.Next() {
		var t ProjectTotal
		if err := rows.Scan(&t.ProjectID, &t.TotalCostUSD, &t.PromptTokens, &t.CompletionTokens, &t.CallCount); err != nil {
			return nil, fmt.Errorf("failed to scan project totals: %w", err)
		}
		totals = append(totals, &t)
	}
	return totals, rows.Err()
}

// ListByProject returns every usage entry for a project in
// chronological order, for the project export.
func (r *UsageRepo) ListByProject(ctx context.Context, projectID string) ([]*UsageLogEntry, error) {
	rows, err := r.s.Query(ctx, `
SELECT id, project_id, task_id, provider, model, prompt_tokens, completion_tokens, cost_usd, purpose, created_at
FROM usage_log WHERE project_id = ? ORDER BY created_at ASC
`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage for project %q: %w", projectID, err)
	}
	defer rows.Close()

	entries := []*UsageLogEntry{}
	for rows.Next() {
		var e UsageLogEntry
		var createdAtRaw string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.Provider, &e.Model, &e.PromptTokens,
			&e.CompletionTokens, &e.CostUSD, &e.Purpose, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan usage entry: %w", err)
		}
		if e.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// RecentByProject returns the most recent usage entries for a project,
// newest first, for the usage summary endpoint.
func (r *UsageRepo) RecentByProject(ctx context.Context, projectID string, limit int) ([]*UsageLogEntry, error) {
	rows, err := r.s.Query(ctx, `
SELECT id, project_id, task_id, provider, model, prompt_tokens, completion_tokens, cost_usd, purpose, created_at
FROM usage_log WHERE project_id = ? ORDER BY created_at DESC LIMIT ?
`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage for project %q: %w", projectID, err)
	}
	defer rows.Close()

	entries := []*UsageLogEntry{}
	for rows.Next() {
		var e UsageLogEntry
		var createdAtRaw string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.Provider, &e.Model, &e.PromptTokens,
			&e.CompletionTokens, &e.CostUSD, &e.Purpose, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan usage entry: %w", err)
		}
		if e.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
