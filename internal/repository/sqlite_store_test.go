package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"narrator-backend/internal/chat"
	"narrator-backend/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "narrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)

	require.NoError(t, s.SaveChat(ctx, models.Chat{ID: "c1", OwnerID: "ada", CreatedAt: now, UpdatedAt: now}))

	user := models.Message{ID: "01A", ChatID: "c1", Role: models.RoleUser, Content: "hi", Done: true, Hidden: true, CreatedAt: now, UpdatedAt: now}
	reply := models.Message{ID: "01B", ChatID: "c1", ParentID: "01A", Role: models.RoleAssistant, Model: "gpt-4", Temperature: 0.7, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.SaveMessage(ctx, user))
	require.NoError(t, s.SaveMessage(ctx, reply))

	// Upsert the finished reply.
	later := now.Add(time.Second)
	reply.Content, reply.Done, reply.UpdatedAt = "hello", true, later
	require.NoError(t, s.SaveMessage(ctx, reply))

	c, msgs, err := s.LoadChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "ada", c.OwnerID)
	assert.True(t, c.UpdatedAt.Equal(later))

	require.Len(t, msgs, 2)
	assert.Equal(t, user, msgs[0])
	assert.Equal(t, "hello", msgs[1].Content)
	assert.True(t, msgs[1].Done)
	assert.Equal(t, 0.7, msgs[1].Temperature)
	assert.Equal(t, "01A", msgs[1].ParentID)
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, _, err := s.LoadChat(ctx, "missing")
	assert.ErrorIs(t, err, chat.ErrChatNotFound)

	err = s.SaveMessage(ctx, models.Message{ID: "x", ChatID: "missing", Role: models.RoleUser})
	assert.ErrorIs(t, err, chat.ErrChatNotFound)
}

func TestSQLiteStore_ListChats(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveChat(ctx, models.Chat{ID: "old", CreatedAt: base, UpdatedAt: base}))
	require.NoError(t, s.SaveChat(ctx, models.Chat{ID: "new", CreatedAt: base, UpdatedAt: base.Add(time.Hour)}))

	chats, err := s.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "new", chats[0].ID)
}
