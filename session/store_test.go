package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/acprelay/protocol"
)

func sampleSession(id string, created time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: created,
		UpdatedAt: created.Add(time.Nanosecond),
		Conversation: []Message{{
			Role:      RoleUser,
			Content:   []protocol.ContentBlock{protocol.TextBlock("hello")},
			Timestamp: created,
		}},
		State: State{LastActivity: created.Add(2 * time.Nanosecond), MessageCount: 1},
		Mode: protocol.SessionModeState{
			CurrentModeID:  "code",
			AvailableModes: testModes,
		},
		Metadata: map[string]any{"cwd": "/repo"},
	}
}

func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotStored)
	assert.ErrorIs(t, store.Delete(ctx, "missing"), ErrNotStored)

	second := sampleSession("b-session", base.Add(time.Second))
	first := sampleSession("a-session", base)
	require.NoError(t, store.Save(ctx, second))
	require.NoError(t, store.Save(ctx, first))

	got, err := store.Load(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(first.CreatedAt))
	assert.True(t, got.State.LastActivity.Equal(first.State.LastActivity))
	assert.Equal(t, 1, got.State.MessageCount)
	assert.Equal(t, "code", got.Mode.CurrentModeID)
	assert.Len(t, got.Mode.AvailableModes, 2)
	assert.Equal(t, "/repo", got.Cwd())
	require.Len(t, got.Conversation, 1)
	assert.Equal(t, "hello", got.Conversation[0].Content[0].Text)

	first.Mode.CurrentModeID = "ask"
	first.State.MessageCount = 3
	require.NoError(t, store.Save(ctx, first))
	got, err = store.Load(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "ask", got.Mode.CurrentModeID)
	assert.Equal(t, 3, got.State.MessageCount)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)

	require.NoError(t, store.Delete(ctx, first.ID))
	_, err = store.Load(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotStored)
	assert.NoError(t, store.Close())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	storeContract(t, store)
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	err = store.Save(context.Background(), &Session{ID: "../escape"})
	assert.Error(t, err)
	_, err = store.Load(context.Background(), "../escape")
	assert.ErrorIs(t, err, ErrNotStored)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "db", "sessions.db"))
	require.NoError(t, err)
	storeContract(t, store)
}

func TestSQLiteStoreMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()
	s1, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s1.Save(ctx, sampleSession("keep", time.Now())))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Load(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, "keep", got.ID)
}
