// Package state holds the project state store port and the pure state
// transitions applied by the orchestration loop.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"appforge/pkg/proto"
	"appforge/pkg/utils"
)

// ErrNotFound is returned by Load when no state has been saved for the key.
var ErrNotFound = errors.New("project state not found")

// Store loads and saves the persisted subset of a ProjectState, keyed by
// project and user.
type Store interface {
	// Load returns ErrNotFound when nothing is stored yet, including when the
	// backing table or directory does not exist.
	Load(ctx context.Context, projectID, userID string) (proto.Snapshot, error)
	Save(ctx context.Context, projectID, userID string, snap proto.Snapshot) error
	Delete(ctx context.Context, projectID, userID string) error
}

// record is the on-disk form written by FileStore.
type record struct {
	ProjectID string         `json:"project_id"`
	UserID    string         `json:"user_id"`
	State     proto.Snapshot `json:"state"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// FileStore keeps one JSON file per project+user under baseDir.
type FileStore struct {
	baseDir string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(projectID, userID string) (string, error) {
	if projectID == "" {
		return "", errors.New("projectID cannot be empty")
	}
	name := utils.SanitizeIdentifier(projectID)
	if userID != "" {
		name += "__" + utils.SanitizeIdentifier(userID)
	}
	return filepath.Join(s.baseDir, name+".json"), nil
}

func (s *FileStore) Load(_ context.Context, projectID, userID string) (proto.Snapshot, error) {
	filename, err := s.path(projectID, userID)
	if err != nil {
		return proto.Snapshot{}, err
	}
	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return proto.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return proto.Snapshot{}, fmt.Errorf("failed to read state file for project %s: %w", projectID, err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return proto.Snapshot{}, fmt.Errorf("failed to unmarshal state for project %s: %w", projectID, err)
	}
	return rec.State, nil
}

func (s *FileStore) Save(_ context.Context, projectID, userID string, snap proto.Snapshot) error {
	filename, err := s.path(projectID, userID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(record{
		ProjectID: projectID,
		UserID:    userID,
		State:     snap,
		UpdatedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for project %s: %w", projectID, err)
	}
	if err := utils.WriteFileAtomic(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file for project %s: %w", projectID, err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, projectID, userID string) error {
	filename, err := s.path(projectID, userID)
	if err != nil {
		return err
	}
	if err := os.Remove(filename); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete state file for project %s: %w", projectID, err)
	}
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]proto.Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]proto.Snapshot)}
}

func memoryKey(projectID, userID string) string {
	return projectID + "\x00" + userID
}

func (m *MemoryStore) Load(_ context.Context, projectID, userID string) (proto.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.states[memoryKey(projectID, userID)]
	if !ok {
		return proto.Snapshot{}, ErrNotFound
	}
	snap.Code = snap.Code.Clone()
	return snap, nil
}

func (m *MemoryStore) Save(_ context.Context, projectID, userID string, snap proto.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Code = snap.Code.Clone()
	m.states[memoryKey(projectID, userID)] = snap
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, projectID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, memoryKey(projectID, userID))
	return nil
}
