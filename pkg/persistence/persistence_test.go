package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/proto"
	"appforge/pkg/state"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "appforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenMigratesToCurrentVersion(t *testing.T) {
	db := openTestDB(t)
	version, err := GetSchemaVersion(context.Background(), db.SQL())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appforge.db")
	ctx := context.Background()

	db, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	version, err := GetSchemaVersion(ctx, db.SQL())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestStateStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStateStore(openTestDB(t))

	_, err := store.Load(ctx, "p1", "u1")
	require.ErrorIs(t, err, state.ErrNotFound)

	snap := proto.Snapshot{
		Requirements: "reqs",
		Architecture: "arch",
		Code:         proto.FileMap{"src/App.tsx": "export default 1"},
		Status:       proto.StatusComplete,
	}
	require.NoError(t, store.Save(ctx, "p1", "u1", snap))

	got, err := store.Load(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	// Another user's record is independent.
	_, err = store.Load(ctx, "p1", "u2")
	require.ErrorIs(t, err, state.ErrNotFound)

	snap.Status = proto.StatusCoding
	require.NoError(t, store.Save(ctx, "p1", "u1", snap))
	got, err = store.Load(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCoding, got.Status)

	require.NoError(t, store.Delete(ctx, "p1", "u1"))
	_, err = store.Load(ctx, "p1", "u1")
	require.ErrorIs(t, err, state.ErrNotFound)
}

func TestProjectLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	projects := NewProjectStore(db)
	messages := NewMessageStore(db)
	states := NewStateStore(db)

	p, err := projects.Create(ctx, Project{UserID: "u1", Name: "Todo"})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	_, err = projects.Create(ctx, Project{UserID: "u1"})
	require.Error(t, err)

	require.NoError(t, states.Save(ctx, p.ID, "u1", proto.Snapshot{Status: proto.StatusComplete}))
	_, err = messages.Add(ctx, Message{ProjectID: p.ID, UserID: "u1", Role: proto.RoleUser, Content: "build a todo app"})
	require.NoError(t, err)

	list, err := projects.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, proto.StatusComplete, list[0].Status)
	assert.Equal(t, "build a todo app", list[0].LastMessage)

	other, err := projects.List(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other)

	p.Name = "Todo v2"
	updated, err := projects.Update(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "Todo v2", updated.Name)

	_, err = projects.Get(ctx, "u2", p.ID)
	require.ErrorIs(t, err, ErrProjectNotFound)

	require.NoError(t, projects.Delete(ctx, "u1", p.ID))
	_, err = states.Load(ctx, p.ID, "u1")
	require.ErrorIs(t, err, state.ErrNotFound)
	msgs, err := messages.List(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.ErrorIs(t, projects.Delete(ctx, "u1", p.ID), ErrProjectNotFound)
}

func TestMessageHistoryKeepsOrder(t *testing.T) {
	ctx := context.Background()
	messages := NewMessageStore(openTestDB(t))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []Message{
		{ProjectID: "p1", UserID: "u1", Role: proto.RoleUser, Content: "one", CreatedAt: base},
		{ProjectID: "p1", UserID: "u1", Role: proto.RoleAssistant, Content: "two", Stage: proto.StageConversation, CreatedAt: base.Add(time.Second)},
		{ProjectID: "p1", UserID: "u1", Role: proto.RoleUser, Content: "three", CreatedAt: base.Add(2 * time.Second)},
	}
	saved, err := messages.AddBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, saved, 3)
	for _, m := range saved {
		assert.NotEmpty(t, m.ID)
	}

	all, err := messages.List(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "one", all[0].Content)

	hist, err := messages.History(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, []proto.HistoryEntry{
		{Role: proto.RoleAssistant, Content: "two", Stage: proto.StageConversation},
		{Role: proto.RoleUser, Content: "three"},
	}, hist)

	n, err := messages.DeleteAll(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestAddBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	messages := NewMessageStore(openTestDB(t))

	_, err := messages.AddBatch(ctx, []Message{
		{ProjectID: "p1", Role: proto.RoleUser, Content: "ok"},
		{ProjectID: "p1", Content: "missing role"},
	})
	require.Error(t, err)

	all, err := messages.List(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}
