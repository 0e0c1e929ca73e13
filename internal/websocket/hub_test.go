package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	gorillaws "github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"narrator-backend/internal/models"
)

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/sessions/{sid}/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, sid string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + sid + "/ws"
}

func TestHub_UnknownSession(t *testing.T) {
	hub := NewHub(nil, func(string) bool { return false }, zap.NewNop())
	srv := newTestServer(t, hub)

	resp, err := http.Get(srv.URL + "/sessions/nope/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHub_LocalDelivery(t *testing.T) {
	hub := NewHub(nil, func(id string) bool { return id == "s1" }, zap.NewNop())
	defer hub.Close()
	srv := newTestServer(t, hub)

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "s1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Connections("s1") == 1 }, time.Second, 5*time.Millisecond)

	notifier := NewNotifier(nil, hub)
	require.IsType(t, &LocalNotifier{}, notifier)
	require.NoError(t, notifier.Notify(context.Background(), "s1", models.WSMessage{
		Type:    models.WSAuthenticated,
		Payload: models.AuthState{Authenticated: true},
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string           `json:"type"`
		Payload models.AuthState `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, models.WSAuthenticated, msg.Type)
	assert.True(t, msg.Payload.Authenticated)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Connections("s1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "session_updates:abc", channelName("abc"))
}

func TestNewNotifier_UsesRedisWhenConfigured(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	assert.IsType(t, &RedisPublisher{}, NewNotifier(client, nil))
}
