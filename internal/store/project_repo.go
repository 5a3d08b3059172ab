package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type ProjectRepo struct {
	s *Store
}

func NewProjectRepo(s *Store) *ProjectRepo {
	return &ProjectRepo{s: s}
}

func (r *ProjectRepo) Create(ctx context.Context, project *Project) error {
	if project.ID == "" {
		project.ID = NewID()
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = nowUTC()
	}
	if project.UpdatedAt.IsZero() {
		project.UpdatedAt = project.CreatedAt
	}
	if project.Status == "" {
		project.Status = ProjectDraft
	}
	if project.ConfigJSON == "" {
		project.ConfigJSON = "{}"
	}

	_, err := r.s.ExecWrite(ctx, `
INSERT INTO projects (id, name, requirements, status, config_json, owner_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, project.ID, project.Name, project.Requirements, project.Status, project.ConfigJSON,
		nullIfEmpty(project.OwnerID), formatTimestamp(project.CreatedAt), formatTimestamp(project.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

func (r *ProjectRepo) Get(ctx context.Context, id string) (*Project, error) {
	var p Project
	var ownerID sql.NullString
	var createdAtRaw, updatedAtRaw string
	var completedAtRaw sql.NullString

	err := r.s.QueryRow(ctx, `
SELECT id, name, requirements, status, config_json, owner_id, created_at, updated_at, completed_at
FROM projects
WHERE id = ?
`, id).Scan(&p.ID, &p.Name, &p.Requirements, &p.Status, &p.ConfigJSON, &ownerID, &createdAtRaw, &updatedAtRaw, &completedAtRaw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get project %q: %w", id, err)
	}

	p.OwnerID = ownerID.String
	if p.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	if p.CompletedAt, err = sqlToNullTime(completedAtRaw); err != nil {
		return nil, err
	}

	return &p, nil
}

func (r *ProjectRepo) List(ctx context.Context, filter ProjectFilter) ([]*Project, error) {
	query := `SELECT id, name, requirements, status, config_json, owner_id, created_at, updated_at, completed_at FROM projects`
	args := []any{}
	where := []string{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []*Project{}
	for rows.Next() {
		var p Project
		var ownerID sql.NullString
		var createdAtRaw, updatedAtRaw string
		var completedAtRaw sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Requirements, &p.Status, &p.ConfigJSON, &ownerID, &createdAtRaw, &updatedAtRaw, &completedAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.OwnerID = ownerID.String
		if p.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
			return nil, err
		}
		if p.CompletedAt, err = sqlToNullTime(completedAtRaw); err != nil {
			return nil, err
		}
		projects = append(projects, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating projects: %w", err)
	}
	return projects, nil
}

func (r *ProjectRepo) ListByStatus(ctx context.Context, status string) ([]*Project, error) {
	return r.List(ctx, ProjectFilter{Status: status})
}

func (r *ProjectRepo) Update(ctx context.Context, project *Project) error {
	project.UpdatedAt = nowUTC()
	res, err := r.s.ExecWrite(ctx, `
UPDATE projects
SET name = ?, requirements = ?, status = ?, config_json = ?, owner_id = ?, updated_at = ?, completed_at = ?
WHERE id = ?
`, project.Name, project.Requirements, project.Status, project.ConfigJSON, nullIfEmpty(project.OwnerID),
		formatTimestamp(project.UpdatedAt), nullTimeToSQL(project.CompletedAt), project.ID)
	if err != nil {
		return fmt.Errorf("failed to update project %q: %w", project.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for project %q: %w", project.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("project %q not found", project.ID)
	}
	return nil
}

// SetStatus is the narrow status-only update the Executor, Planner and
// Decomposer use, avoiding a read-modify-write of the full row.
func (r *ProjectRepo) SetStatus(ctx context.Context, id, status string) error {
	_, err := r.s.ExecWrite(ctx, `UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTimestamp(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to set project %q status: %w", id, err)
	}
	return nil
}

func (r *ProjectRepo) Delete(ctx context.Context, id string) error {
	_, err := r.s.ExecWrite(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project %q: %w", id, err)
	}
	return nil
}
