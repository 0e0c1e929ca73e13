package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"narrator-backend/internal/chat"
	"narrator-backend/internal/models"
	"narrator-backend/internal/options"
	"narrator-backend/internal/rules"
)

func testShared() Shared {
	return Shared{
		Store:          chat.NewMemoryStore(),
		Chats:          chat.NewCache(0),
		Completer:      &scriptedCompleter{reply: "ok"},
		Pool:           inlinePool{},
		OptionsBackend: options.NewMemoryBackend(),
		Defaults:       options.Defaults("gpt-3.5-turbo", 0.5),
		Rules:          rules.Default(),
		ProxySupported: func() bool { return true },
		Notifier:       &recordingNotifier{},
		Flags:          &memoryFlags{},
		Logger:         zap.NewNop(),
	}
}

func TestShared_BuildIsolatesSessions(t *testing.T) {
	sh := testShared()
	a := sh.Build("a", nil)
	b := sh.Build("b", nil)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.Options().Set(ctx, "parameters", "model", "", "gpt-4"))

	assert.Equal(t, "gpt-4", options.Get[string](ctx, a.Options(), "parameters", "model", ""))
	assert.Equal(t, "gpt-3.5-turbo", options.Get[string](ctx, b.Options(), "parameters", "model", ""))
}

func TestShared_BuildWithUser(t *testing.T) {
	sh := testShared()
	s := sh.Build("a", &models.User{ID: "u1", Email: "ada@example.com"})
	defer s.Close()

	snap := s.Snapshot(context.Background())
	assert.True(t, snap.Authenticated)
	assert.True(t, snap.Registered)
	assert.Equal(t, "ada@example.com", s.Options().Owner())
}

func TestRegistry_Lifecycle(t *testing.T) {
	sh := testShared()
	r := NewRegistry(sh.Build, time.Minute, zap.NewNop())

	s := r.Create(nil)
	got, ok := r.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.True(t, r.Exists(s.ID()))
	assert.False(t, r.Exists("missing"))
	assert.Equal(t, 1, r.Len())

	// Not idle yet.
	assert.Zero(t, r.Sweep(time.Now()))

	assert.Equal(t, 1, r.Sweep(time.Now().Add(2*time.Minute)))
	assert.Zero(t, r.Len())

	r.Create(nil)
	r.Create(nil)
	r.Close()
	assert.Zero(t, r.Len())
}

func TestRegistry_ZeroTTLNeverExpires(t *testing.T) {
	r := NewRegistry(testShared().Build, 0, zap.NewNop())
	r.Create(nil)

	assert.Zero(t, r.Sweep(time.Now().Add(24*time.Hour)))
	assert.Equal(t, 1, r.Len())
	r.Close()
}

func TestRegistry_RunStopsWithContext(t *testing.T) {
	r := NewRegistry(testShared().Build, time.Millisecond, zap.NewNop())
	r.Create(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestShared_ForeignChatIsReadOnly(t *testing.T) {
	sh := testShared()
	ctx := context.Background()

	owner := sh.Build("owner", &models.User{ID: "u1", Email: "alice@example.com"})
	defer owner.Close()
	id, ok := owner.OnNewMessage(ctx, "my secret quest")
	require.True(t, ok)

	for _, user := range []*models.User{nil, {ID: "u2", Email: "mallory@example.com"}} {
		intruder := sh.Build("intruder", user)
		require.NoError(t, intruder.Navigate("/chat/"+id))

		snap := intruder.Snapshot(ctx)
		assert.True(t, snap.IsShare)
		require.Len(t, snap.CurrentChat.MessagesToDisplay, 2)

		_, ok := intruder.OnNewMessage(ctx, "injected")
		assert.False(t, ok)
		reply := *snap.CurrentChat.Leaf
		assert.False(t, intruder.RegenerateMessage(ctx, reply))
		assert.False(t, intruder.EditMessage(ctx, snap.CurrentChat.MessagesToDisplay[0], "rewritten"))
		intruder.Close()
	}

	assert.Len(t, owner.Snapshot(ctx).CurrentChat.MessagesToDisplay, 2)
	assert.False(t, owner.Snapshot(ctx).IsShare)
}

func TestShared_AnonymousSessionsDoNotShareChats(t *testing.T) {
	sh := testShared()
	ctx := context.Background()

	a := sh.Build("a", nil)
	defer a.Close()
	id, ok := a.OnNewMessage(ctx, "hello")
	require.True(t, ok)
	_, ok = a.OnNewMessage(ctx, "again")
	require.True(t, ok)

	b := sh.Build("b", nil)
	defer b.Close()
	require.NoError(t, b.Navigate("/chat/"+id))
	_, ok = b.OnNewMessage(ctx, "me too")
	assert.False(t, ok)
}

func TestShared_SessionsOnOneChatStayInStep(t *testing.T) {
	sh := testShared()
	ctx := context.Background()
	ada := &models.User{ID: "u1", Email: "ada@example.com"}

	a := sh.Build("tab-a", ada)
	defer a.Close()
	id, ok := a.OnNewMessage(ctx, "first")
	require.True(t, ok)

	b := sh.Build("tab-b", ada)
	defer b.Close()
	require.NoError(t, b.Navigate("/chat/"+id))
	require.Len(t, b.Snapshot(ctx).CurrentChat.MessagesToDisplay, 2)

	_, ok = a.OnNewMessage(ctx, "second")
	require.True(t, ok)
	require.Len(t, b.Snapshot(ctx).CurrentChat.MessagesToDisplay, 4)

	leaf := a.Snapshot(ctx).CurrentChat.Leaf
	_, ok = b.OnNewMessage(ctx, "third")
	require.True(t, ok)

	msgs := a.Snapshot(ctx).CurrentChat.MessagesToDisplay
	require.Len(t, msgs, 6)
	assert.Equal(t, "third", msgs[4].Content)
	assert.Equal(t, leaf.ID, msgs[4].ParentID)
}

func TestShared_LogoutDropsWriteAccess(t *testing.T) {
	sh := testShared()
	ctx := context.Background()

	s := sh.Build("a", &models.User{ID: "u1", Email: "ada@example.com"})
	defer s.Close()
	_, ok := s.OnNewMessage(ctx, "hello")
	require.True(t, ok)

	s.Authenticate(nil)
	assert.True(t, s.Snapshot(ctx).IsShare)
	_, ok = s.OnNewMessage(ctx, "still here")
	assert.False(t, ok)
	assert.Equal(t, "session:a", s.Options().Owner())
}
