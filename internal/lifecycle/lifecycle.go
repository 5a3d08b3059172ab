// Package lifecycle owns the per-task state machine: dispatch to an
// agent runner, retry with exponential backoff, verification,
// checkpoint creation on exhaustion, and context forwarding to
// dependents.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/taskforge/internal/agent"
	"github.com/user/taskforge/internal/apperr"
	"github.com/user/taskforge/internal/budget"
	"github.com/user/taskforge/internal/llm"
	"github.com/user/taskforge/internal/progress"
	"github.com/user/taskforge/internal/store"
)

const (
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 120 * time.Second
)

type Config struct {
	VerificationEnabled  bool
	CheckpointingEnabled bool
	ContextTruncateChars int
}

type Lifecycle struct {
	tasks       *store.TaskRepo
	checkpoints *store.CheckpointRepo
	bus         *progress.Bus
	budget      *budget.Manager
	remote      agent.Runner
	local       agent.Runner
	verifier    Verifier
	cfg         Config

	mu         sync.Mutex
	retryAfter map[string]time.Time
}

func New(tasks *store.TaskRepo, checkpoints *store.CheckpointRepo, bus *progress.Bus, budgetMgr *budget.Manager, remote, local agent.Runner, verifier Verifier, cfg Config) *Lifecycle {
	if cfg.ContextTruncateChars <= 0 {
		cfg.ContextTruncateChars = 4000
	}
	return &Lifecycle{
		tasks:       tasks,
		checkpoints: checkpoints,
		bus:         bus,
		budget:      budgetMgr,
		remote:      remote,
		local:       local,
		verifier:    verifier,
		cfg:         cfg,
		retryAfter:  make(map[string]time.Time),
	}
}

// NextAttemptAt reports the earliest time a retry-scheduled task may
// be redispatched. The Executor consults this each tick.
func (l *Lifecycle) NextAttemptAt(taskID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.retryAfter[taskID]
	return t, ok
}

func (l *Lifecycle) clearRetry(taskID string) {
	l.mu.Lock()
	delete(l.retryAfter, taskID)
	l.mu.Unlock()
}

// Execute drives one claimed (queued) task to its next state. It is
// spawned by the Executor as a tracked background goroutine; all its
// failure handling is internal — an error return means only that the
// driver itself could not record an outcome.
func (l *Lifecycle) Execute(ctx context.Context, taskID string, reserved float64) error {
	task, err := l.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil || task.Status != store.TaskQueued {
		return nil
	}
	l.clearRetry(task.ID)

	task.Status = store.TaskRunning
	task.StartedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	task.Error = ""
	if err := l.tasks.Update(ctx, task); err != nil {
		return err
	}
	l.push(ctx, task, "task_started", fmt.Sprintf("started: %s", task.Title), map[string]any{
		"retry_count": task.RetryCount,
		"model_tier":  task.ModelTier,
	})

	runner := l.local
	if llm.PaidTier(task.ModelTier) {
		runner = l.remote
	}

	result, runErr := runner.Run(ctx, task, reserved)
	if runErr != nil {
		return l.handleError(ctx, task, runErr)
	}
	return l.complete(ctx, task, result)
}

func (l *Lifecycle) complete(ctx context.Context, task *store.Task, result *agent.Result) error {
	now := time.Now().UTC()
	task.Status = store.TaskCompleted
	task.OutputText = sql.NullString{String: result.Output, Valid: true}
	task.PromptTokens += result.PromptTokens
	task.CompletionTokens += result.CompletionTokens
	task.CostUSD += result.CostUSD
	task.ModelUsed = result.ModelUsed
	task.CompletedAt = sql.NullTime{Time: now, Valid: true}
	task.Error = ""
	if err := l.tasks.Update(ctx, task); err != nil {
		return err
	}

	if l.cfg.VerificationEnabled && llm.PaidTier(task.ModelTier) && l.verifier != nil {
		done, err := l.verify(ctx, task)
		if err != nil || done {
			return err
		}
	}

	l.push(ctx, task, "task_complete", fmt.Sprintf("completed: %s", task.Title), map[string]any{
		"cost_usd":   task.CostUSD,
		"model_used": task.ModelUsed,
	})
	return l.forwardContext(ctx, task)
}

// verify runs the cheap-model pass over the task's output. It returns
// done=true when the verdict diverted the task away from plain
// completion (retry or needs_review). A failure to reach the verifier
// model is coerced to "skipped" and never blocks completion; a
// response the verifier received but could not parse comes back as a
// human_needed verdict, not an error.
func (l *Lifecycle) verify(ctx context.Context, task *store.Task) (done bool, err error) {
	verdict, vErr := l.verifier.Verify(ctx, task)
	if vErr != nil {
		slog.Warn("verifier call failed, skipping verification", "task_id", task.ID, "error", vErr)
		task.VerificationStatus = store.VerificationSkipped
		task.VerificationNotes = fmt.Sprintf("verification error: %v", vErr)
		return false, l.tasks.Update(ctx, task)
	}

	task.VerificationStatus = verdict.Status
	task.VerificationNotes = verdict.Notes

	switch verdict.Status {
	case store.VerificationGapsFound:
		if task.RetryCount < task.MaxRetries {
			task.Context = append(task.Context, store.ContextEntry{
				Type:    "verification_feedback",
				Content: verdict.Notes,
			})
			task.RetryCount++
			task.Status = store.TaskPending
			task.CompletedAt = sql.NullTime{}
			if err := l.tasks.Update(ctx, task); err != nil {
				return true, err
			}
			l.push(ctx, task, "task_verification_retry", fmt.Sprintf("verification found gaps, retrying: %s", task.Title), map[string]any{
				"notes":       verdict.Notes,
				"retry_count": task.RetryCount,
			})
			return true, nil
		}
		// Out of retries; the completed output stands, notes attached.
		return false, l.tasks.Update(ctx, task)
	case store.VerificationHumanNeeded:
		task.Status = store.TaskNeedsReview
		if err := l.tasks.Update(ctx, task); err != nil {
			return true, err
		}
		l.push(ctx, task, "task_needs_review", fmt.Sprintf("verification flagged for human review: %s", task.Title), map[string]any{
			"notes": verdict.Notes,
		})
		return true, nil
	default:
		return false, l.tasks.Update(ctx, task)
	}
}

// forwardContext appends a dependency_output entry to every direct
// dependent so downstream prompts see this task's result.
func (l *Lifecycle) forwardContext(ctx context.Context, task *store.Task) error {
	if !task.OutputText.Valid {
		return nil
	}
	dependents, err := l.tasks.Dependents(ctx, task.ID)
	if err != nil {
		return err
	}
	output := task.OutputText.String
	if len(output) > l.cfg.ContextTruncateChars {
		output = output[:l.cfg.ContextTruncateChars]
	}
	for _, depID := range dependents {
		dep, err := l.tasks.Get(ctx, depID)
		if err != nil {
			return err
		}
		if dep == nil {
			continue
		}
		dep.Context = append(dep.Context, store.ContextEntry{
			Type:         "dependency_output",
			Content:      fmt.Sprintf("%s:\n%s", task.Title, output),
			SourceTaskID: task.ID,
		})
		if err := l.tasks.Update(ctx, dep); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) handleError(ctx context.Context, task *store.Task, runErr error) error {
	if !transient(runErr) {
		return l.fail(ctx, task, runErr)
	}
	if task.RetryCount < task.MaxRetries {
		return l.scheduleRetry(ctx, task, runErr)
	}
	return l.exhaust(ctx, task, runErr)
}

// scheduleRetry resets the task to pending and records the earliest
// redispatch time. The delay is never slept under the concurrency
// semaphore; the tick loop re-dispatches once the clock passes it.
func (l *Lifecycle) scheduleRetry(ctx context.Context, task *store.Task, runErr error) error {
	delay := retryBaseDelay*time.Duration(1<<task.RetryCount) + budget.RetryJitter()
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	next := time.Now().UTC().Add(delay)

	l.mu.Lock()
	l.retryAfter[task.ID] = next
	l.mu.Unlock()

	task.RetryCount++
	task.Status = store.TaskPending
	task.Error = runErr.Error()
	if err := l.tasks.Update(ctx, task); err != nil {
		return err
	}
	l.push(ctx, task, "task_retry", fmt.Sprintf("transient error, retry %d/%d in %s: %s", task.RetryCount, task.MaxRetries, delay.Round(time.Second), task.Title), map[string]any{
		"error":       runErr.Error(),
		"retry_count": task.RetryCount,
		"retry_after": next.Format(time.RFC3339),
	})
	return nil
}

// exhaust handles the final transient failure: a human checkpoint if
// checkpointing is on, a plain failure otherwise.
func (l *Lifecycle) exhaust(ctx context.Context, task *store.Task, runErr error) error {
	if !l.cfg.CheckpointingEnabled {
		return l.fail(ctx, task, runErr)
	}

	attempts := l.gatherAttempts(ctx, task)
	attempts = append(attempts, runErr.Error())
	cp := &store.Checkpoint{
		ProjectID:      task.ProjectID,
		TaskID:         sql.NullString{String: task.ID, Valid: true},
		CheckpointType: "retry_exhausted",
		Summary:        fmt.Sprintf("task %q failed %d times", task.Title, task.RetryCount+1),
		Attempts:       attempts,
		Question:       fmt.Sprintf("Task %q exhausted its retries. Retry with guidance, skip it, or fail it?", task.Title),
	}
	if err := l.checkpoints.Create(ctx, cp); err != nil {
		return err
	}

	task.Status = store.TaskNeedsReview
	task.Error = runErr.Error()
	if err := l.tasks.Update(ctx, task); err != nil {
		return err
	}
	l.push(ctx, task, "task_checkpoint", fmt.Sprintf("retries exhausted, checkpoint raised: %s", task.Title), map[string]any{
		"checkpoint_id": cp.ID,
		"error":         runErr.Error(),
	})
	return nil
}

func (l *Lifecycle) fail(ctx context.Context, task *store.Task, runErr error) error {
	task.Status = store.TaskFailed
	task.Error = runErr.Error()
	if err := l.tasks.Update(ctx, task); err != nil {
		return err
	}
	l.push(ctx, task, "task_failed", fmt.Sprintf("failed: %s", task.Title), map[string]any{
		"error": runErr.Error(),
	})
	return nil
}

// gatherAttempts pulls this task's prior retry/failure messages from
// the event log for the checkpoint's attempt history.
func (l *Lifecycle) gatherAttempts(ctx context.Context, task *store.Task) []string {
	events, err := l.bus.Get(ctx, task.ProjectID, task.ID, 50)
	if err != nil {
		slog.Warn("failed to gather attempt history", "task_id", task.ID, "error", err)
		return nil
	}
	var attempts []string
	for _, e := range events {
		if e.EventType == "task_retry" || e.EventType == "task_failed" {
			attempts = append(attempts, e.Message)
		}
	}
	return attempts
}

func (l *Lifecycle) push(ctx context.Context, task *store.Task, eventType, message string, data map[string]any) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Push(ctx, task.ProjectID, eventType, message, task.ID, data); err != nil {
		slog.Error("failed to push progress event", "task_id", task.ID, "event_type", eventType, "error", err)
	}
}

// transient classifies an attempt failure for the retry policy: the
// remote client's taxonomy plus local-backend 5xx responses.
func transient(err error) bool {
	var httpErr *agent.HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	return llm.Transient(err)
}

// --- explicit task mutations (HTTP surface) ---

// Retry resets a failed, cancelled or needs_review task for another
// attempt, incrementing the retry counter.
func (l *Lifecycle) Retry(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := l.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, apperr.NotFoundf("task %q not found", taskID)
	}
	if task.Status != store.TaskFailed && task.Status != store.TaskCancelled && task.Status != store.TaskNeedsReview {
		return nil, apperr.InvalidStatef("task %q cannot be retried from status %q", taskID, task.Status)
	}
	l.clearRetry(task.ID)
	task.Status = store.TaskPending
	task.RetryCount++
	task.Error = ""
	task.CompletedAt = sql.NullTime{}
	if err := l.tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	l.push(ctx, task, "task_reset", fmt.Sprintf("manually reset for retry: %s", task.Title), nil)
	return task, nil
}

// Cancel moves a non-terminal task to cancelled.
func (l *Lifecycle) Cancel(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := l.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, apperr.NotFoundf("task %q not found", taskID)
	}
	if store.IsTerminal(task.Status) {
		return nil, apperr.InvalidStatef("task %q is already in terminal status %q", taskID, task.Status)
	}
	l.clearRetry(task.ID)
	task.Status = store.TaskCancelled
	if err := l.tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	l.push(ctx, task, "task_cancelled", fmt.Sprintf("cancelled: %s", task.Title), nil)
	return task, nil
}

// Review resolves a needs_review task: approve keeps the completed
// output and forwards context; reject fails the task.
func (l *Lifecycle) Review(ctx context.Context, taskID string, approve bool) (*store.Task, error) {
	task, err := l.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, apperr.NotFoundf("task %q not found", taskID)
	}
	if task.Status != store.TaskNeedsReview {
		return nil, apperr.InvalidStatef("task %q is not awaiting review (status %q)", taskID, task.Status)
	}
	if approve {
		task.Status = store.TaskCompleted
		if !task.CompletedAt.Valid {
			task.CompletedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
		}
		if err := l.tasks.Update(ctx, task); err != nil {
			return nil, err
		}
		l.push(ctx, task, "task_complete", fmt.Sprintf("approved after review: %s", task.Title), nil)
		if err := l.forwardContext(ctx, task); err != nil {
			return nil, err
		}
		return task, nil
	}
	task.Status = store.TaskFailed
	task.Error = "rejected by reviewer"
	if err := l.tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	l.push(ctx, task, "task_failed", fmt.Sprintf("rejected after review: %s", task.Title), nil)
	return task, nil
}
