package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/user/taskforge/internal/apperr"
	"github.com/user/taskforge/internal/store"
)

type createProjectRequest struct {
	Name         string `json:"name"`
	Requirements string `json:"requirements"`
	Config       any    `json:"config,omitempty"`
}

func (h *handler) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Requirements) == "" {
		jsonError(w, http.StatusUnprocessableEntity, "name and requirements are required")
		return
	}

	project := &store.Project{
		Name:         req.Name,
		Requirements: req.Requirements,
		Status:       store.ProjectDraft,
	}
	if req.Config != nil {
		buf, err := json.Marshal(req.Config)
		if err != nil {
			jsonError(w, http.StatusUnprocessableEntity, "config must be a JSON object")
			return
		}
		project.ConfigJSON = string(buf)
	}
	if err := h.projects.Create(r.Context(), project); err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, toProjectJSON(project))
}

func (h *handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.List(r.Context(), store.ProjectFilter{
		Status:  r.URL.Query().Get("status"),
		OwnerID: r.URL.Query().Get("owner_id"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]projectJSON, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectJSON(p))
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) getProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.loadProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	tasks, err := h.tasks.ListByProject(r.Context(), project.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	summary := map[string]int{}
	for _, t := range tasks {
		summary[t.Status]++
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"project":      toProjectJSON(project),
		"task_count":   len(tasks),
		"task_summary": summary,
	})
}

type updateProjectRequest struct {
	Name         *string `json:"name"`
	Requirements *string `json:"requirements"`
	Config       any     `json:"config"`
}

func (h *handler) updateProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.loadProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var req updateProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	// Requirements can only change while the project is still a draft.
	if req.Requirements != nil && project.Status != store.ProjectDraft {
		writeErr(w, apperr.InvalidStatef("requirements can only change while the project is a draft"))
		return
	}
	if req.Name != nil {
		project.Name = *req.Name
	}
	if req.Requirements != nil {
		project.Requirements = *req.Requirements
	}
	if req.Config != nil {
		buf, err := json.Marshal(req.Config)
		if err != nil {
			jsonError(w, http.StatusUnprocessableEntity, "config must be a JSON object")
			return
		}
		project.ConfigJSON = string(buf)
	}
	if err := h.projects.Update(r.Context(), project); err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toProjectJSON(project))
}

func (h *handler) deleteProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.loadProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.projects.Delete(r.Context(), project.ID); err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

type planRequest struct {
	Rigor string `json:"rigor"`
}

func (h *handler) planProject(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeErr(w, err)
			return
		}
	}
	p, err := h.planner.Plan(r.Context(), r.PathValue("id"), req.Rigor)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toPlanJSON(p))
}

func (h *handler) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.ListByProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]planJSON, 0, len(plans))
	for _, p := range plans {
		out = append(out, toPlanJSON(p))
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) approvePlan(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.decomposer.Decompose(r.Context(), r.PathValue("id"), r.PathValue("pid"))
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]taskJSON, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskJSON(t))
	}
	jsonResponse(w, http.StatusOK, map[string]any{"tasks": out})
}

func (h *handler) executeProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.executor.ExecuteProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toProjectJSON(project))
}

func (h *handler) pauseProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.executor.PauseProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toProjectJSON(project))
}

func (h *handler) cancelProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.executor.CancelProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toProjectJSON(project))
}

// cloneProject reproduces a project's structure — requirements,
// approved plan, tasks, dependency edges — with all task state reset
// and edges remapped to the new task ids.
func (h *handler) cloneProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	src, err := h.loadProject(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	clone := &store.Project{
		Name:         src.Name + " (copy)",
		Requirements: src.Requirements,
		Status:       store.ProjectDraft,
		ConfigJSON:   src.ConfigJSON,
	}

	srcPlans, err := h.plans.ListByProject(ctx, src.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	var approved *store.Plan
	for _, p := range srcPlans {
		if p.Status == store.PlanApproved {
			approved = p
			break
		}
	}

	err = h.store.WithTx(ctx, func(ctx context.Context) error {
		if err := h.projects.Create(ctx, clone); err != nil {
			return err
		}
		if approved == nil {
			return nil
		}

		planCopy := &store.Plan{
			ProjectID: clone.ID,
			Version:   1,
			ModelUsed: approved.ModelUsed,
			PlanJSON:  approved.PlanJSON,
			Status:    store.PlanApproved,
		}
		if err := h.plans.Create(ctx, planCopy); err != nil {
			return err
		}

		srcTasks, err := h.tasks.ListByProject(ctx, src.ID)
		if err != nil {
			return err
		}
		idMap := make(map[string]string, len(srcTasks))
		for _, t := range srcTasks {
			copyTask := &store.Task{
				ProjectID:      clone.ID,
				PlanID:         planCopy.ID,
				Title:          t.Title,
				Description:    t.Description,
				TaskType:       t.TaskType,
				Priority:       t.Priority,
				Status:         store.TaskPending,
				ModelTier:      t.ModelTier,
				Context:        pristineContext(t.Context),
				Tools:          t.Tools,
				MaxTokens:      t.MaxTokens,
				MaxRetries:     t.MaxRetries,
				Wave:           t.Wave,
				Phase:          t.Phase,
				RequirementIDs: t.RequirementIDs,
			}
			if err := h.tasks.Create(ctx, copyTask); err != nil {
				return err
			}
			idMap[t.ID] = copyTask.ID
		}
		for _, t := range srcTasks {
			preds, err := h.deps.Predecessors(ctx, t.ID)
			if err != nil {
				return err
			}
			for _, pred := range preds {
				if err := h.deps.Create(ctx, idMap[t.ID], idMap[pred]); err != nil {
					return err
				}
			}
		}
		clone.Status = store.ProjectReady
		return h.projects.Update(ctx, clone)
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if clone.Status == store.ProjectReady {
		if err := h.tasks.BlockUnmet(ctx, clone.ID); err != nil {
			writeErr(w, err)
			return
		}
	}
	jsonResponse(w, http.StatusCreated, toProjectJSON(clone))
}

// pristineContext keeps only the entries written at decomposition
// time, dropping anything accumulated during execution.
func pristineContext(entries []store.ContextEntry) []store.ContextEntry {
	out := make([]store.ContextEntry, 0, len(entries))
	for _, e := range entries {
		switch e.Type {
		case "dependency_output", "verification_feedback", "checkpoint_guidance":
			continue
		}
		out = append(out, e)
	}
	return out
}

// exportProject dumps the full project tree as one JSON document.
func (h *handler) exportProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	project, err := h.loadProject(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	plans, err := h.plans.ListByProject(ctx, project.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	tasks, err := h.tasks.ListByProject(ctx, project.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	edges := []map[string]string{}
	for _, t := range tasks {
		preds, err := h.deps.Predecessors(ctx, t.ID)
		if err != nil {
			writeErr(w, err)
			return
		}
		for _, pred := range preds {
			edges = append(edges, map[string]string{"task_id": t.ID, "depends_on": pred})
		}
	}
	// The full checkpoint history, resolved ones included; an export
	// that drops resolved checkpoints would not reproduce the project.
	checkpoints, err := h.checkpoints.ListByProject(ctx, project.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	events, err := h.bus.Get(ctx, project.ID, "", 1000)
	if err != nil {
		writeErr(w, err)
		return
	}
	usage, err := h.usage.ListByProject(ctx, project.ID)
	if err != nil {
		writeErr(w, err)
		return
	}

	planOut := make([]planJSON, 0, len(plans))
	for _, p := range plans {
		planOut = append(planOut, toPlanJSON(p))
	}
	taskOut := make([]taskJSON, 0, len(tasks))
	for _, t := range tasks {
		taskOut = append(taskOut, toTaskJSON(t))
	}
	cpOut := make([]checkpointJSON, 0, len(checkpoints))
	for _, c := range checkpoints {
		cpOut = append(cpOut, toCheckpointJSON(c))
	}
	eventOut := make([]eventJSON, 0, len(events))
	for _, e := range events {
		eventOut = append(eventOut, toEventJSON(e))
	}
	usageOut := make([]map[string]any, 0, len(usage))
	for _, u := range usage {
		usageOut = append(usageOut, usageEntryJSON(u))
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"exported_at":  time.Now().UTC().Format(timeLayout),
		"project":      toProjectJSON(project),
		"plans":        planOut,
		"tasks":        taskOut,
		"dependencies": edges,
		"checkpoints":  cpOut,
		"events":       eventOut,
		"usage":        usageOut,
	})
}

// projectCoverage maps each numbered requirement to the tasks that
// reference it, flagging requirements no task covers.
func (h *handler) projectCoverage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	project, err := h.loadProject(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	tasks, err := h.tasks.ListByProject(ctx, project.ID)
	if err != nil {
		writeErr(w, err)
		return
	}

	byRequirement := map[string][]map[string]string{}
	for _, t := range tasks {
		for _, rid := range t.RequirementIDs {
			byRequirement[rid] = append(byRequirement[rid], map[string]string{
				"task_id": t.ID,
				"title":   t.Title,
				"status":  t.Status,
			})
		}
	}

	type coverageRow struct {
		RequirementID string              `json:"requirement_id"`
		Text          string              `json:"text"`
		CoveredBy     []map[string]string `json:"covered_by"`
	}
	rows := []coverageRow{}
	n := 1
	for _, line := range strings.Split(project.Requirements, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rid := fmt.Sprintf("R%d", n)
		covered := byRequirement[rid]
		if covered == nil {
			covered = []map[string]string{}
		}
		rows = append(rows, coverageRow{RequirementID: rid, Text: line, CoveredBy: covered})
		n++
	}
	jsonResponse(w, http.StatusOK, map[string]any{"coverage": rows})
}

func (h *handler) loadProject(ctx context.Context, id string) (*store.Project, error) {
	project, err := h.projects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFoundf("project %q not found", id)
	}
	return project, nil
}
