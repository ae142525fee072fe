package mocks

import (
	"context"
	"sync"

	"appforge/pkg/proto"
	"appforge/pkg/state"
)

// MockStore is an in-memory state.Store that records every save and can be
// told to fail.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockStore struct {
	LoadErr   error
	SaveErr   error
	DeleteErr error
	// FailSaveAfter makes the Nth and later saves fail with SaveErr. Zero
	// means SaveErr applies to every save.
	FailSaveAfter int

	mu      sync.Mutex
	states  map[string]proto.Snapshot
	saves   []proto.Snapshot
	loads   int
	deletes int
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{states: make(map[string]proto.Snapshot)}
}

var _ state.Store = (*MockStore)(nil)

func storeKey(projectID, userID string) string {
	return projectID + "/" + userID
}

// Seed stores snap without counting it as a save.
func (m *MockStore) Seed(projectID, userID string, snap proto.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[string]proto.Snapshot)
	}
	snap.Code = snap.Code.Clone()
	m.states[storeKey(projectID, userID)] = snap
}

func (m *MockStore) Load(_ context.Context, projectID, userID string) (proto.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.LoadErr != nil {
		return proto.Snapshot{}, m.LoadErr
	}
	snap, ok := m.states[storeKey(projectID, userID)]
	if !ok {
		return proto.Snapshot{}, state.ErrNotFound
	}
	snap.Code = snap.Code.Clone()
	return snap, nil
}

func (m *MockStore) Save(_ context.Context, projectID, userID string, snap proto.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt := len(m.saves) + 1
	if m.SaveErr != nil && (m.FailSaveAfter == 0 || attempt >= m.FailSaveAfter) {
		return m.SaveErr
	}
	if m.states == nil {
		m.states = make(map[string]proto.Snapshot)
	}
	snap.Code = snap.Code.Clone()
	m.states[storeKey(projectID, userID)] = snap
	m.saves = append(m.saves, snap)
	return nil
}

func (m *MockStore) Delete(_ context.Context, projectID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.states, storeKey(projectID, userID))
	return nil
}

// Saves returns every successfully saved snapshot in order.
func (m *MockStore) Saves() []proto.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]proto.Snapshot(nil), m.saves...)
}

// SaveCount returns the number of successful saves.
func (m *MockStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

// LoadCount returns the number of Load calls.
func (m *MockStore) LoadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}
