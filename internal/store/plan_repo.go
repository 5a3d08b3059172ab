package store

import (
	"context"
	"database/sql"
	"fmt"
)

type PlanRepo struct {
	s *Store
}

func NewPlanRepo(s *Store) *PlanRepo { return &PlanRepo{s: s} }

const planColumns = `id, project_id, version, model_used, prompt_tokens, completion_tokens, cost_usd, plan_json, status, created_at`

func scanPlan(row interface{ Scan(...any) error }) (*Plan, error) {
	var p Plan
	var createdAtRaw string
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Version, &p.ModelUsed, &p.PromptTokens, &p.CompletionTokens,
		&p.CostUSD, &p.PlanJSON, &p.Status, &createdAtRaw); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PlanRepo) Create(ctx context.Context, p *Plan) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = nowUTC()
	}
	if p.Status == "" {
		p.Status = PlanDraft
	}
	_, err := r.s.ExecWrite(ctx, `
INSERT INTO plans (`+planColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, p.ID, p.ProjectID, p.Version, p.ModelUsed, p.PromptTokens, p.CompletionTokens, p.CostUSD, p.PlanJSON, p.Status, formatTimestamp(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

func (r *PlanRepo) Get(ctx context.Context, id string) (*Plan, error) {
	row := r.s.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %q: %w", id, err)
	}
	return p, nil
}

func (r *PlanRepo) ListByProject(ctx context.Context, projectID string) ([]*Plan, error) {
	rows, err := r.s.Query(ctx, `SELECT `+planColumns+` FROM plans WHERE project_id = ? ORDER BY version DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()
	plans := []*Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// NextVersion returns the version number the next plan for this project
// should use.
func (r *PlanRepo) NextVersion(ctx context.Context, projectID string) (int, error) {
	var v int
	err := r.s.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM plans WHERE project_id = ?`, projectID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next plan version: %w", err)
	}
	return v + 1, nil
}

// SupersedeDrafts marks every draft plan for a project as superseded,
// which the Planner does before writing a fresh one.
func (r *PlanRepo) SupersedeDrafts(ctx context.Context, projectID string) error {
	_, err := r.s.ExecWrite(ctx, `UPDATE plans SET status = ? WHERE project_id = ? AND status = ?`,
		PlanSuperseded, projectID, PlanDraft)
	if err != nil {
		return fmt.Errorf("failed to supersede draft plans: %w", err)
	}
	return nil
}

// SupersedeSiblings marks every other plan of the project superseded,
// keeping the "one approved plan per project" invariant when a new
// plan is approved.
func (r *PlanRepo) SupersedeSiblings(ctx context.Context, projectID, keepID string) error {
	_, err := r.s.ExecWrite(ctx, `UPDATE plans SET status = ? WHERE project_id = ? AND id != ?`,
		PlanSuperseded, projectID, keepID)
	if err != nil {
		return fmt.Errorf("failed to supersede sibling plans: %w", err)
	}
	return nil
}

func (r *PlanRepo) SetStatus(ctx context.Context, id, status string) error {
	_, err := r.s.ExecWrite(ctx, `UPDATE plans SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set plan %q status: %w", id, err)
	}
	return nil
}
