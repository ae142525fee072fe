package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"appforge/pkg/proto"
	"appforge/pkg/state"
)

// StateStore implements state.Store on the project_states table.
type StateStore struct {
	db *DB
}

// NewStateStore creates a StateStore.
func NewStateStore(db *DB) *StateStore {
	return &StateStore{db: db}
}

var _ state.Store = (*StateStore)(nil)

func (s *StateStore) Load(ctx context.Context, projectID, userID string) (proto.Snapshot, error) {
	var raw string
	err := s.db.db.QueryRowContext(ctx,
		"SELECT state FROM project_states WHERE project_id = ? AND user_id = ?",
		projectID, userID,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return proto.Snapshot{}, state.ErrNotFound
	case isMissingTable(err):
		s.db.logger.Warn("project_states table does not exist yet")
		return proto.Snapshot{}, state.ErrNotFound
	case err != nil:
		return proto.Snapshot{}, fmt.Errorf("failed to load state for project %s: %w", projectID, err)
	}

	var snap proto.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return proto.Snapshot{}, fmt.Errorf("failed to unmarshal state for project %s: %w", projectID, err)
	}
	return snap, nil
}

func (s *StateStore) Save(ctx context.Context, projectID, userID string, snap proto.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal state for project %s: %w", projectID, err)
	}
	now := time.Now().UTC()
	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO project_states (project_id, user_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id, user_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		projectID, userID, string(data), now, now)
	if err != nil {
		return fmt.Errorf("failed to save state for project %s: %w", projectID, err)
	}
	return nil
}

func (s *StateStore) Delete(ctx context.Context, projectID, userID string) error {
	if _, err := s.db.db.ExecContext(ctx,
		"DELETE FROM project_states WHERE project_id = ? AND user_id = ?", projectID, userID); err != nil {
		return fmt.Errorf("failed to delete state for project %s: %w", projectID, err)
	}
	return nil
}
