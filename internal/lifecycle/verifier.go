package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/user/taskforge/internal/budget"
	"github.com/user/taskforge/internal/llm"
	"github.com/user/taskforge/internal/plan"
	"github.com/user/taskforge/internal/store"
)

// Verdict is the verifier's judgment of a completed task's output.
type Verdict struct {
	Status string `json:"status"` // passed, gaps_found, human_needed
	Notes  string `json:"notes"`
}

type Verifier interface {
	Verify(ctx context.Context, task *store.Task) (*Verdict, error)
}

const verifierSystem = `You review the output of an automated task against its description and verification criteria.
Respond with a single JSON object: {"status": "passed" | "gaps_found" | "human_needed", "notes": "<short explanation>"}.
Use "gaps_found" when the output misses requirements a retry could fix, "human_needed" when a person must judge it.`

// LLMVerifier is the production Verifier: one cheap-model call whose
// cost is recorded like any other spend.
type LLMVerifier struct {
	client llm.Client
	budget *budget.Manager
}

func NewLLMVerifier(client llm.Client, budgetMgr *budget.Manager) *LLMVerifier {
	return &LLMVerifier{client: client, budget: budgetMgr}
}

func (v *LLMVerifier) Verify(ctx context.Context, task *store.Task) (*Verdict, error) {
	criteria := ""
	for _, entry := range task.Context {
		if entry.Type == "verification_criteria" {
			criteria = entry.Content
			break
		}
	}

	prompt := fmt.Sprintf("Task: %s\n\nDescription:\n%s\n", task.Title, task.Description)
	if criteria != "" {
		prompt += fmt.Sprintf("\nVerification criteria:\n%s\n", criteria)
	}
	prompt += fmt.Sprintf("\nOutput to review:\n%s\n", task.OutputText.String)

	model := llm.ModelForTier(store.TierHaiku, "")
	resp, err := v.client.Complete(ctx, &llm.Request{
		Model:     model,
		System:    verifierSystem,
		Messages:  []llm.Message{{Role: "user", Blocks: []llm.Block{llm.TextBlock(prompt)}}},
		MaxTokens: 512,
	})
	if err != nil {
		return nil, err
	}

	cost := llm.Cost(model, resp.InputTokens, resp.OutputTokens)
	if recErr := v.budget.Record(ctx, &store.UsageLogEntry{
		ProjectID:        sql.NullString{String: task.ProjectID, Valid: true},
		TaskID:           sql.NullString{String: task.ID, Valid: true},
		Provider:         "anthropic",
		Model:            model,
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
		CostUSD:          cost,
		Purpose:          "verification",
	}); recErr != nil {
		slog.Error("failed to record verifier spend", "task_id", task.ID, "error", recErr)
	}

	// From here the model has answered; only the call itself failing is
	// an error. A response we received but cannot parse escalates to
	// human review rather than silently passing.
	text := resp.Text()
	raw, ok := plan.ExtractJSON(text)
	if !ok {
		slog.Warn("verification response not parseable, escalating to human review", "task_id", task.ID, "response", truncate(text, 200))
		return unparseableVerdict(), nil
	}
	var verdict Verdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		slog.Warn("verification response not parseable, escalating to human review", "task_id", task.ID, "error", err)
		return unparseableVerdict(), nil
	}
	switch verdict.Status {
	case store.VerificationPassed, store.VerificationGapsFound, store.VerificationHumanNeeded:
		return &verdict, nil
	default:
		// An unknown verdict string in otherwise valid JSON passes.
		return &Verdict{Status: store.VerificationPassed, Notes: verdict.Notes}, nil
	}
}

func unparseableVerdict() *Verdict {
	return &Verdict{
		Status: store.VerificationHumanNeeded,
		Notes:  "verification response was not parseable JSON, escalated to human review",
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
