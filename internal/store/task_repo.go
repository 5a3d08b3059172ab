package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type TaskRepo struct {
	s *Store
}

func NewTaskRepo(s *Store) *TaskRepo {
	return &TaskRepo{s: s}
}

const taskColumns = `id, project_id, plan_id, title, description, task_type, priority, status,
	model_tier, model_used, context_json, tools_json, output_text, output_artifacts_json,
	prompt_tokens, completion_tokens, cost_usd, max_tokens, retry_count, max_retries, wave,
	phase, verification_status, verification_notes, requirement_ids_json, error,
	started_at, completed_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var contextRaw, toolsRaw, artifactsRaw, requirementIDsRaw string
	var outputText sql.NullString
	var startedAtRaw, completedAtRaw sql.NullString
	var createdAtRaw, updatedAtRaw string

	err := row.Scan(&t.ID, &t.ProjectID, &t.PlanID, &t.Title, &t.Description, &t.TaskType, &t.Priority, &t.Status,
		&t.ModelTier, &t.ModelUsed, &contextRaw, &toolsRaw, &outputText, &artifactsRaw,
		&t.PromptTokens, &t.CompletionTokens, &t.CostUSD, &t.MaxTokens, &t.RetryCount, &t.MaxRetries, &t.Wave,
		&t.Phase, &t.VerificationStatus, &t.VerificationNotes, &requirementIDsRaw, &t.Error,
		&startedAtRaw, &completedAtRaw, &createdAtRaw, &updatedAtRaw)
	if err != nil {
		return nil, err
	}

	t.OutputText = outputText
	if t.Context, err = decodeContext(contextRaw); err != nil {
		return nil, err
	}
	if t.Tools, err = decodeStringSlice(toolsRaw); err != nil {
		return nil, err
	}
	if t.OutputArtifacts, err = decodeStringSlice(artifactsRaw); err != nil {
		return nil, err
	}
	if t.RequirementIDs, err = decodeStringSlice(requirementIDsRaw); err != nil {
		return nil, err
	}
	if t.StartedAt, err = sqlToNullTime(startedAtRaw); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = sqlToNullTime(completedAtRaw); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TaskRepo) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = nowUTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = TaskPending
	}

	_, err := r.s.ExecWrite(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, t.ID, t.ProjectID, t.PlanID, t.Title, t.Description, t.TaskType, t.Priority, t.Status,
		t.ModelTier, t.ModelUsed, encodeContext(t.Context), encodeStringSlice(t.Tools), t.OutputText, encodeStringSlice(t.OutputArtifacts),
		t.PromptTokens, t.CompletionTokens, t.CostUSD, t.MaxTokens, t.RetryCount, t.MaxRetries, t.Wave,
		t.Phase, t.VerificationStatus, t.VerificationNotes, encodeStringSlice(t.RequirementIDs), t.Error,
		nullTimeToSQL(t.StartedAt), nullTimeToSQL(t.CompletedAt), formatTimestamp(t.CreatedAt), formatTimestamp(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (r *TaskRepo) Get(ctx context.Context, id string) (*Task, error) {
	row := r.s.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %q: %w", id, err)
	}
	return t, nil
}

func (r *TaskRepo) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	where := []string{}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority ASC, created_at ASC"

	rows, err := r.s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating tasks: %w", err)
	}
	return tasks, nil
}

func (r *TaskRepo) ListByProject(ctx context.Context, projectID string) ([]*Task, error) {
	return r.List(ctx, TaskFilter{ProjectID: projectID})
}

func (r *TaskRepo) ListByStatus(ctx context.Context, projectID, status string) ([]*Task, error) {
	return r.List(ctx, TaskFilter{ProjectID: projectID, Status: status})
}

// ReadyInWave returns pending tasks in the given wave with no unmet
// dependency, ordered by priority ascending — the Executor's per-tick
// candidate set.
func (r *TaskRepo) ReadyInWave(ctx context.Context, projectID string, wave int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks t
WHERE t.project_id = ? AND t.status = 'pending' AND t.wave = ?
AND NOT EXISTS (
	SELECT 1 FROM task_deps d JOIN tasks dep ON dep.id = d.depends_on
	WHERE d.task_id = t.id AND dep.status != 'completed'
)
ORDER BY t.priority ASC, t.created_at ASC`

	rows, err := r.s.Query(ctx, query, projectID, wave)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ready task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MinNonTerminalWave reports the lowest wave among tasks not yet in a
// terminal state, and whether any such task exists.
func (r *TaskRepo) MinNonTerminalWave(ctx context.Context, projectID string) (int, bool, error) {
	var wave sql.NullInt64
	err := r.s.QueryRow(ctx, `
SELECT MIN(wave) FROM tasks
WHERE project_id = ? AND status NOT IN ('completed', 'needs_review', 'failed', 'cancelled')
`, projectID).Scan(&wave)
	if err != nil {
		return 0, false, fmt.Errorf("failed to compute current wave: %w", err)
	}
	if !wave.Valid {
		return 0, false, nil
	}
	return int(wave.Int64), true, nil
}

// CountByStatusClass reports how many tasks per project fall into the
// status buckets the Executor's termination checks need.
func (r *TaskRepo) CountByStatusClass(ctx context.Context, projectID string) (nonTerminal, failed, blocked, pendingOrQueuedOrRunning int, err error) {
	rows, qErr := r.s.Query(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status`, projectID)
	if qErr != nil {
		return 0, 0, 0, 0, fmt.Errorf("failed to count task statuses: %w", qErr)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if scanErr := rows.Scan(&status, &count); scanErr != nil {
			return 0, 0, 0, 0, scanErr
		}
		if !IsTerminal(status) {
			nonTerminal += count
		}
		if status == TaskFailed {
			failed += count
		}
		if status == TaskBlocked {
			blocked += count
		}
		if status == TaskPending || status == TaskQueued || status == TaskRunning {
			pendingOrQueuedOrRunning += count
		}
	}
	return nonTerminal, failed, blocked, pendingOrQueuedOrRunning, rows.Err()
}

// ClaimPending is the atomic compare-and-swap dispatch claim: it moves a
// single task from pending to queued only if it is still pending,
// reporting whether this call won the race.
func (r *TaskRepo) ClaimPending(ctx context.Context, id string) (bool, error) {
	res, err := r.s.ExecWrite(ctx, `UPDATE tasks SET status = 'queued', updated_at = ? WHERE id = ? AND status = 'pending'`,
		formatTimestamp(nowUTC()), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim task %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UnblockCompleted flips blocked tasks whose every predecessor has
// completed back to pending, in one write.
func (r *TaskRepo) UnblockCompleted(ctx context.Context, projectID string) error {
	_, err := r.s.ExecWrite(ctx, `
UPDATE tasks SET status = 'pending', updated_at = ?
WHERE project_id = ? AND status = 'blocked' AND id NOT IN (
	SELECT d.task_id FROM task_deps d JOIN tasks dep ON dep.id = d.depends_on
	WHERE dep.status != 'completed'
)`, formatTimestamp(nowUTC()), projectID)
	if err != nil {
		return fmt.Errorf("failed to unblock tasks: %w", err)
	}
	return nil
}

// BlockUnmet marks pending tasks with an incomplete predecessor as
// blocked. Run once right after decomposition.
func (r *TaskRepo) BlockUnmet(ctx context.Context, projectID string) error {
	_, err := r.s.ExecWrite(ctx, `
UPDATE tasks SET status = 'blocked', updated_at = ?
WHERE project_id = ? AND status = 'pending' AND id IN (
	SELECT d.task_id FROM task_deps d JOIN tasks dep ON dep.id = d.depends_on
	WHERE dep.status != 'completed'
)`, formatTimestamp(nowUTC()), projectID)
	if err != nil {
		return fmt.Errorf("failed to block tasks with unmet deps: %w", err)
	}
	return nil
}

// ListStale returns running/queued tasks whose last update is older
// than the cutoff, the Executor's startup sweep for attempts lost to a
// crash or hang.
func (r *TaskRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	rows, err := r.s.Query(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE status IN ('running', 'queued') AND updated_at < ?`, formatTimestamp(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Dependents returns the ids of tasks that directly depend on id.
func (r *TaskRepo) Dependents(ctx context.Context, id string) ([]string, error) {
	rows, err := r.s.Query(ctx, `SELECT task_id FROM task_deps WHERE depends_on = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependents of %q: %w", id, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, err
		}
		ids = append(ids, depID)
	}
	return ids, rows.Err()
}

func (r *TaskRepo) Update(ctx context.Context, t *Task) error {
	t.UpdatedAt = nowUTC()
	res, err := r.s.ExecWrite(ctx, `
UPDATE tasks SET
	title = ?, description = ?, task_type = ?, priority = ?, status = ?,
	model_tier = ?, model_used = ?, context_json = ?, tools_json = ?, output_text = ?, output_artifacts_json = ?,
	prompt_tokens = ?, completion_tokens = ?, cost_usd = ?, max_tokens = ?, retry_count = ?, max_retries = ?, wave = ?,
	phase = ?, verification_status = ?, verification_notes = ?, requirement_ids_json = ?, error = ?,
	started_at = ?, completed_at = ?, updated_at = ?
WHERE id = ?
`, t.Title, t.Description, t.TaskType, t.Priority, t.Status,
		t.ModelTier, t.ModelUsed, encodeContext(t.Context), encodeStringSlice(t.Tools), t.OutputText, encodeStringSlice(t.OutputArtifacts),
		t.PromptTokens, t.CompletionTokens, t.CostUSD, t.MaxTokens, t.RetryCount, t.MaxRetries, t.Wave,
		t.Phase, t.VerificationStatus, t.VerificationNotes, encodeStringSlice(t.RequirementIDs), t.Error,
		nullTimeToSQL(t.StartedAt), nullTimeToSQL(t.CompletedAt), formatTimestamp(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %q: %w", t.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("task %q not found", t.ID)
	}
	return nil
}

func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	_, err := r.s.ExecWrite(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task %q: %w", id, err)
	}
	return nil
}

// --- dependency edges ---

type TaskDepRepo struct {
	s *Store
}

func NewTaskDepRepo(s *Store) *TaskDepRepo { return &TaskDepRepo{s: s} }

func (r *TaskDepRepo) Create(ctx context.Context, taskID, dependsOn string) error {
	_, err := r.s.ExecWrite(ctx, `INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)`, taskID, dependsOn)
	if err != nil {
		return fmt.Errorf("failed to create dependency edge: %w", err)
	}
	return nil
}

func (r *TaskDepRepo) Predecessors(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.s.Query(ctx, `SELECT depends_on FROM task_deps WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query predecessors of %q: %w", taskID, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
