package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"appforge/pkg/proto"
)

// MessageStore manages the messages table.
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a MessageStore.
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, ex execer, m *Message) error {
	if m.ProjectID == "" || m.Role == "" {
		return errors.New("message requires project id and role")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var artifacts any
	if len(m.Artifacts) > 0 {
		artifacts = string(m.Artifacts)
	}
	_, err := ex.ExecContext(ctx,
		"INSERT INTO messages (id, project_id, user_id, role, content, stage, artifacts, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		m.ID, m.ProjectID, m.UserID, string(m.Role), m.Content, string(m.Stage), artifacts, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Add inserts one message and returns it with ID and timestamp filled in.
func (s *MessageStore) Add(ctx context.Context, m Message) (Message, error) {
	if err := insertMessage(ctx, s.db.db, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// AddBatch inserts messages atomically.
func (s *MessageStore) AddBatch(ctx context.Context, msgs []Message) ([]Message, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]Message, len(msgs))
	base := time.Now().UTC()
	for i := range msgs {
		m := msgs[i]
		if m.CreatedAt.IsZero() {
			// Keep insertion order stable for same-instant batches.
			m.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		}
		if err := insertMessage(ctx, tx, &m); err != nil {
			return nil, err
		}
		out[i] = m
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit messages: %w", err)
	}
	return out, nil
}

// List returns the project's messages oldest first. limit <= 0 returns all.
func (s *MessageStore) List(ctx context.Context, projectID string, limit int) ([]Message, error) {
	query := `SELECT id, project_id, user_id, role, content, COALESCE(stage, ''), COALESCE(artifacts, ''), created_at
		FROM messages WHERE project_id = ?`
	args := []any{projectID}
	if limit > 0 {
		query += " ORDER BY created_at DESC LIMIT ?"
		args = append(args, limit)
	} else {
		query += " ORDER BY created_at ASC"
	}
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if isMissingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		var role, stage, artifacts string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.UserID, &role, &m.Content, &stage, &artifacts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = proto.Role(role)
		m.Stage = proto.Stage(stage)
		if artifacts != "" {
			m.Artifacts = []byte(artifacts)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	if limit > 0 {
		slices.Reverse(out)
	}
	return out, nil
}

// DeleteAll removes every message of a project and reports how many were removed.
func (s *MessageStore) DeleteAll(ctx context.Context, projectID string) (int64, error) {
	res, err := s.db.db.ExecContext(ctx, "DELETE FROM messages WHERE project_id = ?", projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// History returns the last n messages as conversation history entries.
func (s *MessageStore) History(ctx context.Context, projectID string, n int) ([]proto.HistoryEntry, error) {
	msgs, err := s.List(ctx, projectID, n)
	if err != nil {
		return nil, err
	}
	out := make([]proto.HistoryEntry, 0, len(msgs))
	for i := range msgs {
		out = append(out, proto.HistoryEntry{Role: msgs[i].Role, Content: msgs[i].Content, Stage: msgs[i].Stage})
	}
	return out, nil
}
