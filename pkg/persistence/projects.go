package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"appforge/pkg/proto"
)

// ErrProjectNotFound is returned when a project id does not exist for the user.
var ErrProjectNotFound = errors.New("project not found")

// ProjectStore manages the projects table.
type ProjectStore struct {
	db *DB
}

// NewProjectStore creates a ProjectStore.
func NewProjectStore(db *DB) *ProjectStore {
	return &ProjectStore{db: db}
}

// Create inserts a project. An empty ID gets a new UUID.
func (s *ProjectStore) Create(ctx context.Context, p Project) (Project, error) {
	if p.UserID == "" || p.Name == "" {
		return Project{}, errors.New("project requires user id and name")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.db.ExecContext(ctx,
		"INSERT INTO projects (id, user_id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		p.ID, p.UserID, p.Name, p.Description, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("failed to create project: %w", err)
	}
	return p, nil
}

// Get returns the user's project.
func (s *ProjectStore) Get(ctx context.Context, userID, projectID string) (Project, error) {
	var p Project
	err := s.db.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, description, created_at, updated_at FROM projects WHERE id = ? AND user_id = ?",
		projectID, userID,
	).Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("failed to get project %s: %w", projectID, err)
	}
	return p, nil
}

// List returns the user's projects, most recently updated first, each with
// its pipeline status and latest message.
func (s *ProjectStore) List(ctx context.Context, userID string) ([]ProjectSummary, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT p.id, p.user_id, p.name, p.description, p.created_at, p.updated_at,
			COALESCE(ps.state, ''),
			COALESCE((SELECT m.content FROM messages m WHERE m.project_id = p.id
				ORDER BY m.created_at DESC LIMIT 1), '')
		FROM projects p
		LEFT JOIN project_states ps ON ps.project_id = p.id AND ps.user_id = p.user_id
		WHERE p.user_id = ?
		ORDER BY p.updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ProjectSummary
	for rows.Next() {
		var ps ProjectSummary
		var rawState string
		if err := rows.Scan(&ps.ID, &ps.UserID, &ps.Name, &ps.Description, &ps.CreatedAt, &ps.UpdatedAt,
			&rawState, &ps.LastMessage); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		if rawState != "" {
			var snap proto.Snapshot
			if err := json.Unmarshal([]byte(rawState), &snap); err == nil {
				ps.Status = snap.Status
			}
		}
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}
	return out, nil
}

// Update changes name and description.
func (s *ProjectStore) Update(ctx context.Context, p Project) (Project, error) {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.db.ExecContext(ctx,
		"UPDATE projects SET name = ?, description = ?, updated_at = ? WHERE id = ? AND user_id = ?",
		p.Name, p.Description, p.UpdatedAt, p.ID, p.UserID)
	if err != nil {
		return Project{}, fmt.Errorf("failed to update project %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Project{}, ErrProjectNotFound
	}
	return s.Get(ctx, p.UserID, p.ID)
}

// Touch bumps updated_at, ignoring unknown projects.
func (s *ProjectStore) Touch(ctx context.Context, userID, projectID string) error {
	if _, err := s.db.db.ExecContext(ctx,
		"UPDATE projects SET updated_at = ? WHERE id = ? AND user_id = ?",
		time.Now().UTC(), projectID, userID); err != nil {
		return fmt.Errorf("failed to touch project %s: %w", projectID, err)
	}
	return nil
}

// Delete removes a project with its state and messages.
func (s *ProjectStore) Delete(ctx context.Context, userID, projectID string) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM projects WHERE id = ? AND user_id = ?", projectID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete project %s: %w", projectID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProjectNotFound
	}
	for _, stmt := range []string{
		"DELETE FROM project_states WHERE project_id = ? AND user_id = ?",
		"DELETE FROM messages WHERE project_id = ? AND user_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, projectID, userID); err != nil {
			return fmt.Errorf("failed to delete project %s data: %w", projectID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project delete: %w", err)
	}
	return nil
}
