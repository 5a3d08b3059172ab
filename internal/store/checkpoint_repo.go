package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CheckpointRepo persists human-in-the-loop checkpoints raised by the
// Task Lifecycle when a task exhausts its retries.
type CheckpointRepo struct {
	s *Store
}

func NewCheckpointRepo(s *Store) *CheckpointRepo { return &CheckpointRepo{s: s} }

const checkpointColumns = `id, project_id, task_id, checkpoint_type, summary, attempts_json, question, response, resolved_at, created_at`

func (r *CheckpointRepo) Create(ctx context.Context, c *Checkpoint) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = nowUTC()
	}
	_, err := r.s.ExecWrite(ctx, `
INSERT INTO checkpoints (`+checkpointColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, c.ID, c.ProjectID, c.TaskID, c.CheckpointType, c.Summary, encodeStringSlice(c.Attempts),
		c.Question, c.Response, nullTimeToSQL(c.ResolvedAt), formatTimestamp(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return nil
}

func (r *CheckpointRepo) Get(ctx context.Context, id string) (*Checkpoint, error) {
	var c Checkpoint
	var attemptsRaw, createdAtRaw string
	var resolvedAtRaw sql.NullString
	err := r.s.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id).Scan(
		&c.ID, &c.ProjectID, &c.TaskID, &c.CheckpointType, &c.Summary, &attemptsRaw,
		&c.Question, &c.Response, &resolvedAtRaw, &createdAtRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %q: %w", id, err)
	}
	if c.Attempts, err = decodeStringSlice(attemptsRaw); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if c.ResolvedAt, err = sqlToNullTime(resolvedAtRaw); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CheckpointRepo) ListUnresolved(ctx context.Context, projectID string) ([]*Checkpoint, error) {
	return r.list(ctx, projectID, true)
}

// ListByProject returns every checkpoint for a project, resolved ones
// included — the full history an export needs.
func (r *CheckpointRepo) ListByProject(ctx context.Context, projectID string) ([]*Checkpoint, error) {
	return r.list(ctx, projectID, false)
}

func (r *CheckpointRepo) list(ctx context.Context, projectID string, unresolvedOnly bool) ([]*Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE project_id = ?`
	if unresolvedOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.s.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for project %q: %w", projectID, err)
	}
	defer rows.Close()

	checkpoints := []*Checkpoint{}
	for rows.Next() {
		var c Checkpoint
		var attemptsRaw, createdAtRaw string
		var resolvedAtRaw sql.NullString
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.TaskID, &c.CheckpointType, &c.Summary, &attemptsRaw,
			&c.Question, &c.Response, &resolvedAtRaw, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if c.Attempts, err = decodeStringSlice(attemptsRaw); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		if c.ResolvedAt, err = sqlToNullTime(resolvedAtRaw); err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, &c)
	}
	return checkpoints, rows.Err()
}

// Resolve records the human's response and resolution time. The actual
// retry/skip/fail action it triggers is the lifecycle's job, not the
// repo's.
func (r *CheckpointRepo) Resolve(ctx context.Context, id, response string) error {
	res, err := r.s.ExecWrite(ctx, `
UPDATE checkpoints SET response = ?, resolved_at = ? WHERE id = ? AND resolved_at IS NULL
`, response, formatTimestamp(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to resolve checkpoint %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for checkpoint %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("checkpoint %q not found or already resolved", id)
	}
	return nil
}
