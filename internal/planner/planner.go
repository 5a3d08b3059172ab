// Package planner turns a project's free-form requirements into a
// structured plan via one remote LLM call, reserving estimated cost
// up front and recording the real cost after.
package planner

import (
	"context"
	"encoding/json"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/taskforge/internal/apperr"
	"github.com/user/taskforge/internal/budget"
	"github.com/user/taskforge/internal/llm"
	"github.com/user/taskforge/internal/plan"
	"github.com/user/taskforge/internal/progress"
	"github.com/user/taskforge/internal/store"
)

const planMaxTokens = 8192

type Planner struct {
	store    *store.Store
	projects *store.ProjectRepo
	plans    *store.PlanRepo
	budget   *budget.Manager
	client   llm.Client
	bus      *progress.Bus
	model    string
}

func New(s *store.Store, projects *store.ProjectRepo, plans *store.PlanRepo, budgetMgr *budget.Manager, client llm.Client, bus *progress.Bus, model string) *Planner {
	return &Planner{
		store:    s,
		projects: projects,
		plans:    plans,
		budget:   budgetMgr,
		client:   client,
		bus:      bus,
		model:    model,
	}
}

// Plan runs the one-shot planning call for a project at the given
// rigor level (L1, L2, L3). The project sits in planning for the
// duration and returns to draft on both success and failure.
func (p *Planner) Plan(ctx context.Context, projectID, rigor string) (*store.Plan, error) {
	project, err := p.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFoundf("project %q not found", projectID)
	}

	if err := p.projects.SetStatus(ctx, projectID, store.ProjectPlanning); err != nil {
		return nil, err
	}
	defer func() {
		if err := p.projects.SetStatus(context.WithoutCancel(ctx), projectID, store.ProjectDraft); err != nil {
			slog.Error("failed to reset project status after planning", "project_id", projectID, "error", err)
		}
	}()

	estimate := llm.EstimateCost(p.model, planMaxTokens)
	ok, err := p.budget.Reserve(ctx, estimate)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.BudgetExhaustedf("planning reservation of $%.4f refused", estimate)
	}
	defer p.budget.Release(estimate)

	resp, err := p.client.Complete(ctx, &llm.Request{
		Model:     p.model,
		System:    systemPrompt(rigor),
		Messages:  []llm.Message{{Role: "user", Blocks: []llm.Block{llm.TextBlock(renderRequirements(project))}}},
		MaxTokens: planMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("planner call: %w", err)
	}

	cost := llm.Cost(p.model, resp.InputTokens, resp.OutputTokens)
	if recErr := p.budget.Record(ctx, &store.UsageLogEntry{
		ProjectID:        sql.NullString{String: projectID, Valid: true},
		Provider:         "anthropic",
		Model:            p.model,
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
		CostUSD:          cost,
		Purpose:          "planning",
	}); recErr != nil {
		slog.Error("failed to record planning spend", "project_id", projectID, "error", recErr)
	}

	doc, err := plan.Parse(resp.Text())
	if err != nil {
		return nil, err
	}
	planJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode plan document: %w", err)
	}

	version, err := p.plans.NextVersion(ctx, projectID)
	if err != nil {
		return nil, err
	}
	newPlan := &store.Plan{
		ProjectID:        projectID,
		Version:          version,
		ModelUsed:        p.model,
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
		CostUSD:          cost,
		PlanJSON:         string(planJSON),
		Status:           store.PlanDraft,
	}
	err = p.store.WithTx(ctx, func(ctx context.Context) error {
		if err := p.plans.SupersedeDrafts(ctx, projectID); err != nil {
			return err
		}
		return p.plans.Create(ctx, newPlan)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("plan created", "project_id", projectID, "plan_id", newPlan.ID, "version", version, "tasks", len(doc.Flatten()), "cost_usd", cost)
	if p.bus != nil {
		_ = p.bus.Push(ctx, projectID, "plan_created", fmt.Sprintf("plan v%d created with %d tasks", version, len(doc.Flatten())), "", map[string]any{
			"plan_id":  newPlan.ID,
			"version":  version,
			"cost_usd": cost,
		})
	}
	return newPlan, nil
}

// renderRequirements numbers every non-empty requirement line so the
// plan can reference them by id.
func renderRequirements(project *store.Project) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n\nRequirements:\n", project.Name)
	n := 1
	for _, line := range strings.Split(project.Requirements, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "R%d. %s\n", n, line)
		n++
	}
	if n == 1 {
		b.WriteString(project.Requirements)
		b.WriteString("\n")
	}
	b.WriteString("\nProduce the plan as a single JSON object.")
	return b.String()
}
