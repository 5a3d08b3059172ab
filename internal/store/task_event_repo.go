package store

import (
	"context"
	"fmt"
)

// TaskEventRepo persists the append-only event log the Progress Bus
// replays to newly-subscribed SSE clients.
type TaskEventRepo struct {
	s *Store
}

func NewTaskEventRepo(s *Store) *TaskEventRepo { return &TaskEventRepo{s: s} }

func (r *TaskEventRepo) Create(ctx context.Context, e *TaskEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	res, err := r.s.ExecWrite(ctx, `
INSERT INTO task_events (project_id, task_id, event_type, message, data_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, e.ProjectID, e.TaskID, e.EventType, e.Message, e.DataJSON, formatTimestamp(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record task event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// Recent returns the last n events for a project in chronological order,
// the replay a new SSE subscriber gets before it starts receiving live
// pushes.
func (r *TaskEventRepo) Recent(ctx context.Context, projectID string, n int) ([]*TaskEvent, error) {
	rows, err := r.s.Query(ctx, `
SELECT id, project_id, task_id, event_type, message, data_json, created_at
FROM task_events WHERE project_id = ? ORDER BY id DESC LIMIT ?
`, projectID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list task events for project %q: %w", projectID, err)
	}
	defer rows.Close()

	events := []*TaskEvent{}
	for rows.Next() {
		var e TaskEvent
		var createdAtRaw string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.EventType, &e.Message, &e.DataJSON, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		if e.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// rows came back newest-first; reverse to chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
