// Package decompose turns an approved-to-be plan into storage: task
// rows annotated with waves, dependency edges, and enriched context,
// validated as a DAG first.
package decompose

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/taskforge/internal/apperr"
	"github.com/user/taskforge/internal/plan"
	"github.com/user/taskforge/internal/progress"
	"github.com/user/taskforge/internal/store"
)

const siblingDigestChars = 150

type Decomposer struct {
	store    *store.Store
	projects *store.ProjectRepo
	plans    *store.PlanRepo
	tasks    *store.TaskRepo
	deps     *store.TaskDepRepo
	bus      *progress.Bus

	maxRetries int
}

func New(s *store.Store, projects *store.ProjectRepo, plans *store.PlanRepo, tasks *store.TaskRepo, deps *store.TaskDepRepo, bus *progress.Bus, maxRetries int) *Decomposer {
	return &Decomposer{
		store:      s,
		projects:   projects,
		plans:      plans,
		tasks:      tasks,
		deps:       deps,
		bus:        bus,
		maxRetries: maxRetries,
	}
}

// Decompose validates the plan's DAG, computes waves, writes all task
// rows and dependency edges in one transaction, marks the plan
// approved and the project ready, then blocks tasks with unmet
// predecessors in a follow-up write.
func (d *Decomposer) Decompose(ctx context.Context, projectID, planID string) ([]*store.Task, error) {
	project, err := d.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFoundf("project %q not found", projectID)
	}
	p, err := d.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.ProjectID != projectID {
		return nil, apperr.NotFoundf("plan %q not found for project %q", planID, projectID)
	}
	if p.Status == store.PlanApproved {
		return nil, apperr.InvalidStatef("plan %q is already approved", planID)
	}
	if p.Status == store.PlanSuperseded {
		return nil, apperr.InvalidStatef("plan %q has been superseded", planID)
	}

	doc, err := plan.Parse(p.PlanJSON)
	if err != nil {
		return nil, err
	}
	flat := doc.Flatten()

	if err := checkForCycles(flat); err != nil {
		return nil, err
	}
	waves := computeWaves(flat)

	tasks := make([]*store.Task, len(flat))
	for i, ft := range flat {
		rec := recommend(ft.TaskType, ft.Complexity)
		toolSet := ft.Tools
		if len(toolSet) == 0 {
			toolSet = rec.tools
		}
		tasks[i] = &store.Task{
			ID:          store.NewID(),
			ProjectID:   projectID,
			PlanID:      planID,
			Title:       ft.Title,
			Description: ft.Description,
			TaskType:    ft.TaskType,
			Priority:    priorityOrDefault(ft.Priority),
			Status:      store.TaskPending,
			ModelTier:   rec.tier,
			Context:     buildContext(project, doc, flat, i),
			Tools:       toolSet,
			MaxTokens:   4096,
			MaxRetries:  d.maxRetries,
			Wave:        waves[i],
			Phase:       ft.Phase,
			RequirementIDs: ft.RequirementIDs,
		}
	}

	err = d.store.WithTx(ctx, func(ctx context.Context) error {
		for _, t := range tasks {
			if err := d.tasks.Create(ctx, t); err != nil {
				return err
			}
		}
		for i, ft := range flat {
			for _, dep := range ft.DependsOn {
				if err := d.deps.Create(ctx, tasks[i].ID, tasks[dep].ID); err != nil {
					return err
				}
			}
		}
		// Any sibling plan, draft or previously approved, is superseded
		// the moment this one is approved.
		if err := d.plans.SupersedeSiblings(ctx, projectID, planID); err != nil {
			return err
		}
		if err := d.plans.SetStatus(ctx, planID, store.PlanApproved); err != nil {
			return err
		}
		return d.projects.SetStatus(ctx, projectID, store.ProjectReady)
	})
	if err != nil {
		return nil, fmt.Errorf("write decomposition: %w", err)
	}

	if err := d.tasks.BlockUnmet(ctx, projectID); err != nil {
		return nil, err
	}

	slog.Info("plan decomposed", "project_id", projectID, "plan_id", planID, "tasks", len(tasks), "waves", maxWave(waves)+1)
	if d.bus != nil {
		_ = d.bus.Push(ctx, projectID, "plan_approved", fmt.Sprintf("plan approved: %d tasks across %d waves", len(tasks), maxWave(waves)+1), "", map[string]any{
			"plan_id":     planID,
			"task_count":  len(tasks),
			"total_waves": maxWave(waves) + 1,
		})
	}
	return tasks, nil
}

func priorityOrDefault(p int) int {
	if p == 0 {
		return 50
	}
	return p
}

func maxWave(waves []int) int {
	max := 0
	for _, w := range waves {
		if w > max {
			max = w
		}
	}
	return max
}

// buildContext assembles the enriched per-task context: summary,
// requirements, the task's own description, its phase, a digest of
// every sibling task, and the optional verification criteria and
// affected files the plan supplied.
func buildContext(project *store.Project, doc *plan.Document, flat []plan.FlatTask, idx int) []store.ContextEntry {
	ft := flat[idx]
	entries := []store.ContextEntry{}
	if doc.Summary != "" {
		entries = append(entries, store.ContextEntry{Type: "project_summary", Content: doc.Summary})
	}
	entries = append(entries,
		store.ContextEntry{Type: "project_requirements", Content: project.Requirements},
		store.ContextEntry{Type: "task_description", Content: ft.Description},
	)
	if ft.Phase != "" {
		entries = append(entries, store.ContextEntry{Type: "phase", Content: ft.Phase})
	}

	digest := ""
	for _, sib := range flat {
		if sib.Index == idx {
			continue
		}
		desc := sib.Description
		if len(desc) > siblingDigestChars {
			desc = desc[:siblingDigestChars] + "..."
		}
		digest += fmt.Sprintf("- %s: %s\n", sib.Title, desc)
	}
	if digest != "" {
		entries = append(entries, store.ContextEntry{Type: "sibling_tasks", Content: digest})
	}
	if ft.VerificationCriteria != "" {
		entries = append(entries, store.ContextEntry{Type: "verification_criteria", Content: ft.VerificationCriteria})
	}
	if len(ft.AffectedFiles) > 0 {
		files := ""
		for _, f := range ft.AffectedFiles {
			files += f + "\n"
		}
		entries = append(entries, store.ContextEntry{Type: "affected_files", Content: files})
	}
	return entries
}
