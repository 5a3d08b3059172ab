package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/user/taskforge/internal/apperr"
	"github.com/user/taskforge/internal/store"
)

type errorBody struct {
	Error string `json:"error"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, errorBody{Error: message})
}

// writeErr maps a business error to its status code; anything outside
// the taxonomy is a 500 with the cause logged, not leaked.
func writeErr(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		jsonError(w, apperr.StatusCode(err), appErr.Error())
		return
	}
	slog.Error("internal error in http handler", "error", err)
	jsonError(w, http.StatusInternalServerError, "internal server error")
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apperr.Conflictf("invalid request body: %v", err)
	}
	return nil
}

// --- payload shaping ---

type projectJSON struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Requirements string `json:"requirements"`
	Status       string `json:"status"`
	Config       any    `json:"config"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

func toProjectJSON(p *store.Project) projectJSON {
	out := projectJSON{
		ID:           p.ID,
		Name:         p.Name,
		Requirements: p.Requirements,
		Status:       p.Status,
		CreatedAt:    p.CreatedAt.Format(timeLayout),
		UpdatedAt:    p.UpdatedAt.Format(timeLayout),
	}
	if p.CompletedAt.Valid {
		out.CompletedAt = p.CompletedAt.Time.Format(timeLayout)
	}
	var cfg any
	if json.Unmarshal([]byte(p.ConfigJSON), &cfg) == nil {
		out.Config = cfg
	}
	return out
}

type taskJSON struct {
	ID                 string               `json:"id"`
	ProjectID          string               `json:"project_id"`
	PlanID             string               `json:"plan_id"`
	Title              string               `json:"title"`
	Description        string               `json:"description"`
	TaskType           string               `json:"task_type"`
	Priority           int                  `json:"priority"`
	Status             string               `json:"status"`
	ModelTier          string               `json:"model_tier"`
	ModelUsed          string               `json:"model_used,omitempty"`
	Context            []store.ContextEntry `json:"context"`
	Tools              []string             `json:"tools"`
	OutputText         string               `json:"output_text,omitempty"`
	OutputArtifacts    []string             `json:"output_artifacts"`
	PromptTokens       int                  `json:"prompt_tokens"`
	CompletionTokens   int                  `json:"completion_tokens"`
	CostUSD            float64              `json:"cost_usd"`
	RetryCount         int                  `json:"retry_count"`
	MaxRetries         int                  `json:"max_retries"`
	Wave               int                  `json:"wave"`
	Phase              string               `json:"phase,omitempty"`
	VerificationStatus string               `json:"verification_status,omitempty"`
	VerificationNotes  string               `json:"verification_notes,omitempty"`
	RequirementIDs     []string             `json:"requirement_ids"`
	Error              string               `json:"error,omitempty"`
	StartedAt          string               `json:"started_at,omitempty"`
	CompletedAt        string               `json:"completed_at,omitempty"`
	CreatedAt          string               `json:"created_at"`
	UpdatedAt          string               `json:"updated_at"`
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func toTaskJSON(t *store.Task) taskJSON {
	out := taskJSON{
		ID:                 t.ID,
		ProjectID:          t.ProjectID,
		PlanID:             t.PlanID,
		Title:              t.Title,
		Description:        t.Description,
		TaskType:           t.TaskType,
		Priority:           t.Priority,
		Status:             t.Status,
		ModelTier:          t.ModelTier,
		ModelUsed:          t.ModelUsed,
		Context:            t.Context,
		Tools:              t.Tools,
		OutputArtifacts:    t.OutputArtifacts,
		PromptTokens:       t.PromptTokens,
		CompletionTokens:   t.CompletionTokens,
		CostUSD:            t.CostUSD,
		RetryCount:         t.RetryCount,
		MaxRetries:         t.MaxRetries,
		Wave:               t.Wave,
		Phase:              t.Phase,
		VerificationStatus: t.VerificationStatus,
		VerificationNotes:  t.VerificationNotes,
		RequirementIDs:     t.RequirementIDs,
		Error:              t.Error,
		CreatedAt:          t.CreatedAt.Format(timeLayout),
		UpdatedAt:          t.UpdatedAt.Format(timeLayout),
	}
	if t.OutputText.Valid {
		out.OutputText = t.OutputText.String
	}
	if t.StartedAt.Valid {
		out.StartedAt = t.StartedAt.Time.Format(timeLayout)
	}
	if t.CompletedAt.Valid {
		out.CompletedAt = t.CompletedAt.Time.Format(timeLayout)
	}
	return out
}

type planJSON struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	Version          int    `json:"version"`
	ModelUsed        string `json:"model_used"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Plan             any    `json:"plan"`
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
}

func toPlanJSON(p *store.Plan) planJSON {
	out := planJSON{
		ID:               p.ID,
		ProjectID:        p.ProjectID,
		Version:          p.Version,
		ModelUsed:        p.ModelUsed,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		CostUSD:          p.CostUSD,
		Status:           p.Status,
		CreatedAt:        p.CreatedAt.Format(timeLayout),
	}
	var doc any
	if json.Unmarshal([]byte(p.PlanJSON), &doc) == nil {
		out.Plan = doc
	}
	return out
}

type checkpointJSON struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	TaskID         string   `json:"task_id,omitempty"`
	CheckpointType string   `json:"checkpoint_type"`
	Summary        string   `json:"summary"`
	Attempts       []string `json:"attempts"`
	Question       string   `json:"question"`
	Response       string   `json:"response,omitempty"`
	ResolvedAt     string   `json:"resolved_at,omitempty"`
	CreatedAt      string   `json:"created_at"`
}

func toCheckpointJSON(c *store.Checkpoint) checkpointJSON {
	out := checkpointJSON{
		ID:             c.ID,
		ProjectID:      c.ProjectID,
		CheckpointType: c.CheckpointType,
		Summary:        c.Summary,
		Attempts:       c.Attempts,
		Question:       c.Question,
		CreatedAt:      c.CreatedAt.Format(timeLayout),
	}
	if c.TaskID.Valid {
		out.TaskID = c.TaskID.String
	}
	if c.Response.Valid {
		out.Response = c.Response.String
	}
	if c.ResolvedAt.Valid {
		out.ResolvedAt = c.ResolvedAt.Time.Format(timeLayout)
	}
	return out
}
