// Package agent holds the two runner variants that actually execute a
// task against an inference backend: the remote tool agent (paid
// tiers, multi-round tool loop) and the local agent (free single-shot
// generation on a local host).
package agent

import (
	"context"
	"fmt"

	"github.com/user/taskforge/internal/store"
)

// Result is what a runner hands back to the Task Lifecycle.
type Result struct {
	Output           string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	ModelUsed        string
}

// Runner executes one task attempt. reserved is the budget amount the
// dispatcher held for this attempt; the remote runner compares actual
// spend against it mid-loop.
type Runner interface {
	Run(ctx context.Context, task *store.Task, reserved float64) (*Result, error)
}

// renderSystem builds the system prompt from a base instruction plus
// every accumulated context entry, in order.
func renderSystem(task *store.Task) string {
	system := "You are an autonomous agent completing one task of a larger project plan.\n" +
		"Complete the task described by the user message. Use the provided tools when they help.\n" +
		"Produce your final deliverable as plain text.\n"
	for _, entry := range task.Context {
		system += fmt.Sprintf("\n<%s>\n%s\n</%s>\n", entry.Type, entry.Content, entry.Type)
	}
	return system
}
