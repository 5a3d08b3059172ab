package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/taskforge/internal/budget"
	"github.com/user/taskforge/internal/llm"
	"github.com/user/taskforge/internal/store"
	"github.com/user/taskforge/internal/tools"
)

const defaultMaxToolRounds = 10

// Remote drives a paid-tier task through the remote LLM with
// multi-round tool support. Each round's spend is recorded as it
// happens; if actual cost overruns the reservation and the global
// budget has no headroom left, the loop stops and returns the partial
// result.
type Remote struct {
	client       llm.Client
	registry     *tools.Registry
	budget       *budget.Manager
	defaultModel string
	maxRounds    int
}

func NewRemote(client llm.Client, registry *tools.Registry, budgetMgr *budget.Manager, defaultModel string, maxRounds int) *Remote {
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}
	return &Remote{
		client:       client,
		registry:     registry,
		budget:       budgetMgr,
		defaultModel: defaultModel,
		maxRounds:    maxRounds,
	}
}

func (r *Remote) Run(ctx context.Context, task *store.Task, reserved float64) (*Result, error) {
	model := llm.ModelForTier(task.ModelTier, r.defaultModel)
	result := &Result{ModelUsed: model}

	toolDefs := r.toolDefs(task.Tools)
	messages := []llm.Message{
		{Role: "user", Blocks: []llm.Block{llm.TextBlock(task.Description)}},
	}
	var outputs []string

	for round := 0; round < r.maxRounds; round++ {
		resp, err := r.client.Complete(ctx, &llm.Request{
			Model:     model,
			System:    renderSystem(task),
			Messages:  messages,
			Tools:     toolDefs,
			MaxTokens: task.MaxTokens,
		})
		if err != nil {
			return nil, err
		}

		roundCost := llm.Cost(model, resp.InputTokens, resp.OutputTokens)
		result.PromptTokens += resp.InputTokens
		result.CompletionTokens += resp.OutputTokens
		result.CostUSD += roundCost
		r.recordSpend(ctx, task, model, resp, roundCost)

		if text := resp.Text(); text != "" {
			outputs = append(outputs, text)
		}
		if !resp.HasToolUse() {
			break
		}
		if result.CostUSD > reserved && !r.globalHeadroom(ctx) {
			slog.Warn("budget exhausted mid tool loop, returning partial result",
				"task_id", task.ID, "spent", result.CostUSD, "reserved", reserved)
			break
		}

		messages = append(messages, llm.Message{Role: "assistant", Blocks: resp.Blocks})
		messages = append(messages, llm.Message{Role: "user", Blocks: r.executeTools(ctx, task.ProjectID, resp.Blocks)})
	}

	result.Output = strings.Join(outputs, "\n")
	return result, nil
}

func (r *Remote) toolDefs(names []string) []llm.ToolDef {
	var defs []llm.ToolDef
	for _, name := range names {
		t, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

// executeTools runs every tool_use block and returns the tool_result
// blocks for the next user turn. Tool failures become error-flagged
// result text, never an aborted attempt.
func (r *Remote) executeTools(ctx context.Context, projectID string, blocks []llm.Block) []llm.Block {
	var results []llm.Block
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}
		out, err := r.registry.Invoke(ctx, projectID, b.ToolName, b.ToolInput)
		if err != nil {
			results = append(results, llm.ToolResultBlock(b.ToolID, err.Error(), true))
			continue
		}
		results = append(results, llm.ToolResultBlock(b.ToolID, stringifyToolResult(out), false))
	}
	return results
}

func stringifyToolResult(v any) string {
	switch out := v.(type) {
	case nil:
		return ""
	case string:
		return out
	default:
		buf, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(buf)
	}
}

// globalHeadroom probes whether any further spend would still fit the
// daily/monthly limits, without holding anything.
func (r *Remote) globalHeadroom(ctx context.Context) bool {
	const epsilon = 0.001
	ok, err := r.budget.Reserve(ctx, epsilon)
	if err != nil || !ok {
		return false
	}
	r.budget.Release(epsilon)
	return true
}

func (r *Remote) recordSpend(ctx context.Context, task *store.Task, model string, resp *llm.Response, cost float64) {
	err := r.budget.Record(ctx, &store.UsageLogEntry{
		ProjectID:        sql.NullString{String: task.ProjectID, Valid: true},
		TaskID:           sql.NullString{String: task.ID, Valid: true},
		Provider:         "anthropic",
		Model:            model,
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
		CostUSD:          cost,
		Purpose:          "task_execution",
	})
	if err != nil {
		slog.Error("failed to record task spend", "task_id", task.ID, "error", err)
	}
}
