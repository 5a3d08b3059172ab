package lifecycle

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/user/taskforge/internal/apperr"
	"github.com/user/taskforge/internal/store"
)

// Checkpoint resolution actions.
const (
	ResolveRetry = "retry"
	ResolveSkip  = "skip"
	ResolveFail  = "fail"
)

// ResolveCheckpoint applies a human decision to an unresolved
// checkpoint: retry resets the task from scratch (optionally with
// guidance appended to its context), skip cancels it, fail fails it.
func (l *Lifecycle) ResolveCheckpoint(ctx context.Context, checkpointID, action, guidance string) (*store.Checkpoint, error) {
	cp, err := l.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, apperr.NotFoundf("checkpoint %q not found", checkpointID)
	}
	if cp.ResolvedAt.Valid {
		return nil, apperr.InvalidStatef("checkpoint %q is already resolved", checkpointID)
	}
	if !cp.TaskID.Valid {
		return nil, apperr.InvalidStatef("checkpoint %q has no task", checkpointID)
	}

	task, err := l.tasks.Get(ctx, cp.TaskID.String)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, apperr.NotFoundf("task %q not found", cp.TaskID.String)
	}

	switch action {
	case ResolveRetry:
		l.clearRetry(task.ID)
		task.Status = store.TaskPending
		task.RetryCount = 0
		task.Error = ""
		task.OutputText = sql.NullString{}
		task.CompletedAt = sql.NullTime{}
		if guidance != "" {
			task.Context = append(task.Context, store.ContextEntry{
				Type:    "checkpoint_guidance",
				Content: guidance,
			})
		}
	case ResolveSkip:
		task.Status = store.TaskCancelled
	case ResolveFail:
		task.Status = store.TaskFailed
		task.Error = "failed by checkpoint resolution"
	default:
		return nil, apperr.Conflictf("unknown checkpoint action %q", action)
	}

	if err := l.tasks.Update(ctx, task); err != nil {
		return nil, err
	}

	response := action
	if guidance != "" {
		response = fmt.Sprintf("%s: %s", action, guidance)
	}
	if err := l.checkpoints.Resolve(ctx, checkpointID, response); err != nil {
		return nil, err
	}

	l.push(ctx, task, "checkpoint_resolved", fmt.Sprintf("checkpoint resolved (%s): %s", action, task.Title), map[string]any{
		"checkpoint_id": checkpointID,
		"action":        action,
	})
	return l.checkpoints.Get(ctx, checkpointID)
}
