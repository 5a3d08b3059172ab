package agent

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/taskforge/internal/backend"
	"github.com/user/taskforge/internal/budget"
	"github.com/user/taskforge/internal/store"
)

// Local runs a task as one POST against a local inference host's
// generate endpoint. Cost is zero; token counts are whatever the
// backend reports.
type Local struct {
	httpClient *http.Client
	registry   *backend.Registry
	budget     *budget.Manager
}

func NewLocal(httpClient *http.Client, registry *backend.Registry, budgetMgr *budget.Manager) *Local {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Local{httpClient: httpClient, registry: registry, budget: budgetMgr}
}

type generateRequest struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (l *Local) Run(ctx context.Context, task *store.Task, _ float64) (*Result, error) {
	host := l.pickHost(task.ModelTier)
	if host == nil {
		return nil, fmt.Errorf("no local_llm backend configured for tier %q", task.ModelTier)
	}
	model := host.DefaultModel
	if model == "" {
		return nil, fmt.Errorf("backend %q has no default_model", host.ID)
	}

	body, err := json.Marshal(generateRequest{
		Model:  model,
		System: renderSystem(task),
		Prompt: task.Description,
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	url := strings.TrimSuffix(host.BaseURL, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call local backend %q: %w", host.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(payload)}
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, fmt.Errorf("decode generate response: %w", err)
	}

	l.recordUsage(ctx, task, host.ID, model, &gen)

	return &Result{
		Output:           gen.Response,
		PromptTokens:     gen.PromptEvalCount,
		CompletionTokens: gen.EvalCount,
		CostUSD:          0,
		ModelUsed:        model,
	}, nil
}

func (l *Local) pickHost(tier string) *backend.Config {
	for _, cfg := range l.registry.ForTier(tier) {
		if cfg.Kind == "local_llm" && cfg.BaseURL != "" {
			return cfg
		}
	}
	return nil
}

// recordUsage logs the call with zero cost so the usage log still
// shows local activity per project.
func (l *Local) recordUsage(ctx context.Context, task *store.Task, backendID, model string, gen *generateResponse) {
	err := l.budget.Record(ctx, &store.UsageLogEntry{
		ProjectID:        sql.NullString{String: task.ProjectID, Valid: true},
		TaskID:           sql.NullString{String: task.ID, Valid: true},
		Provider:         backendID,
		Model:            model,
		PromptTokens:     gen.PromptEvalCount,
		CompletionTokens: gen.EvalCount,
		CostUSD:          0,
		Purpose:          "task_execution",
	})
	if err != nil {
		slog.Error("failed to record local usage", "task_id", task.ID, "error", err)
	}
}

// HTTPStatusError carries the status code of a failed backend call so
// the retry policy can classify 5xx as transient without string
// matching.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Body)
}
