package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"narrator-backend/internal/chat"
	"narrator-backend/internal/llm"
	"narrator-backend/internal/middleware"
	"narrator-backend/internal/models"
	"narrator-backend/internal/options"
	"narrator-backend/internal/rules"
	"narrator-backend/internal/session"
	"narrator-backend/internal/worker"
)

type echoCompleter struct{}

func (echoCompleter) Stream(ctx context.Context, req llm.CompletionRequest, onDelta func(string)) (string, error) {
	onDelta("You see a door.")
	return "You see a door.", nil
}

type inlinePool struct{}

func (inlinePool) Submit(ctx context.Context, job worker.Job) error {
	return job.Run(ctx)
}

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, sessionID string, msg models.WSMessage) error {
	return nil
}

type stubFlags struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *stubFlags) MarkRegistered(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	f.seen[userID] = true
	return nil
}

func (f *stubFlags) Registered(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[userID], nil
}

const testSecret = "handler-test-secret"

func newTestRouter(t *testing.T, proxy bool) (http.Handler, *session.Registry) {
	t.Helper()
	logger := zap.NewNop()

	shared := session.Shared{
		Store:          chat.NewMemoryStore(),
		Chats:          chat.NewCache(0),
		Completer:      echoCompleter{},
		Pool:           inlinePool{},
		OptionsBackend: options.NewMemoryBackend(),
		Defaults:       options.Defaults("gpt-3.5-turbo", 0.5),
		Rules:          rules.Default(),
		ProxySupported: func() bool { return proxy },
		Notifier:       nopNotifier{},
		Flags:          &stubFlags{},
		Logger:         logger,
	}
	registry := session.NewRegistry(shared.Build, time.Hour, logger)
	t.Cleanup(registry.Close)

	h := NewSessionHandler(registry, logger)
	jwtAuth := middleware.NewJWTAuth(testSecret)

	r := chi.NewRouter()
	r.Use(jwtAuth.Optional)
	r.Post("/sessions", h.Create)
	r.Route("/sessions/{sid}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/route", h.Route)
		r.Post("/login", h.Login)
		r.Delete("/login", h.Logout)
		r.Post("/messages", h.NewMessage)
		r.Put("/messages/{mid}", h.Edit)
		r.Post("/messages/{mid}/regenerate", h.Regenerate)
		r.Get("/options", h.GetOption)
		r.Put("/options", h.SetOption)
	})
	return r, registry
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

func createSession(t *testing.T, h http.Handler) models.SessionContext {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/sessions", nil, "")
	require.Equal(t, http.StatusCreated, rr.Code)
	return decode[models.SessionContext](t, rr)
}

func TestSessionHandler_CreateAndGet(t *testing.T) {
	h, registry := newTestRouter(t, true)

	snap := createSession(t, h)
	assert.NotEmpty(t, snap.SessionID)
	assert.True(t, snap.IsHome)
	assert.False(t, snap.Authenticated)
	assert.False(t, snap.Generating)
	assert.Empty(t, snap.CurrentChat.MessagesToDisplay)
	assert.Equal(t, 1, registry.Len())

	rr := do(t, h, http.MethodGet, "/sessions/"+snap.SessionID+"/", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, snap.ID, decode[models.SessionContext](t, rr).ID)
}

func TestSessionHandler_CreateWithToken(t *testing.T) {
	h, _ := newTestRouter(t, true)

	token, err := middleware.NewJWTAuth(testSecret).GenerateAccessToken(models.User{ID: "u1", Email: "ada@example.com"}, time.Hour)
	require.NoError(t, err)

	rr := do(t, h, http.MethodPost, "/sessions", nil, token)
	require.Equal(t, http.StatusCreated, rr.Code)

	snap := decode[models.SessionContext](t, rr)
	assert.True(t, snap.Authenticated)
	require.NotNil(t, snap.User)
	assert.Equal(t, "ada@example.com", snap.User.Email)
}

func TestSessionHandler_UnknownSession(t *testing.T) {
	h, _ := newTestRouter(t, true)

	rr := do(t, h, http.MethodGet, "/sessions/missing/", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decode[models.ErrorResponse](t, rr).Error.Code)
}

func TestSessionHandler_GetWithRouteContext(t *testing.T) {
	logger := zap.NewNop()
	registry := session.NewRegistry(func(id string, user *models.User) *session.Session {
		t.Fatal("build must not be called")
		return nil
	}, 0, logger)
	handler := NewSessionHandler(registry, logger)

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("sid", "nope")
	req := httptest.NewRequest(http.MethodGet, "/sessions/nope", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	req.Header.Set("X-Request-ID", "req-42")

	rr := httptest.NewRecorder()
	handler.Get(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "req-42", decode[models.ErrorResponse](t, rr).Error.RequestID)
}

func TestSessionHandler_NewMessage(t *testing.T) {
	h, _ := newTestRouter(t, true)
	snap := createSession(t, h)
	base := "/sessions/" + snap.SessionID

	rr := do(t, h, http.MethodPost, base+"/messages", map[string]string{"message": "open the door"}, "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[models.NewMessageResponse](t, rr)
	assert.True(t, resp.OK)
	assert.Equal(t, snap.ID, resp.ChatID)

	rr = do(t, h, http.MethodGet, base+"/", nil, "")
	after := decode[models.SessionContext](t, rr)
	assert.False(t, after.IsHome)
	require.Len(t, after.CurrentChat.MessagesToDisplay, 2)
	assert.Equal(t, "You see a door.", after.CurrentChat.MessagesToDisplay[1].Content)
}

func TestSessionHandler_NewMessageRejected(t *testing.T) {
	tests := []struct {
		name  string
		proxy bool
		body  interface{}
	}{
		{"null message", true, map[string]interface{}{"message": nil}},
		{"blank message", true, map[string]string{"message": "   "}},
		{"no key and no proxy", false, map[string]string{"message": "hello"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newTestRouter(t, tc.proxy)
			snap := createSession(t, h)

			rr := do(t, h, http.MethodPost, "/sessions/"+snap.SessionID+"/messages", tc.body, "")
			require.Equal(t, http.StatusOK, rr.Code)
			resp := decode[models.NewMessageResponse](t, rr)
			assert.False(t, resp.OK)
			assert.Empty(t, resp.ChatID)
		})
	}
}

func TestSessionHandler_InvalidBody(t *testing.T) {
	h, _ := newTestRouter(t, true)
	snap := createSession(t, h)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+snap.SessionID+"/messages", bytes.NewReader([]byte("{")))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[models.ErrorResponse](t, rr).Error.Code)
}

func TestSessionHandler_RegenerateAndEdit(t *testing.T) {
	h, _ := newTestRouter(t, true)
	snap := createSession(t, h)
	base := "/sessions/" + snap.SessionID

	rr := do(t, h, http.MethodPost, base+"/messages", map[string]string{"message": "look around"}, "")
	require.True(t, decode[models.NewMessageResponse](t, rr).OK)

	view := decode[models.SessionContext](t, do(t, h, http.MethodGet, base+"/", nil, "")).CurrentChat
	require.Len(t, view.MessagesToDisplay, 2)
	userMsg, reply := view.MessagesToDisplay[0], view.MessagesToDisplay[1]

	rr = do(t, h, http.MethodPost, base+"/messages/"+reply.ID+"/regenerate", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[models.OKResponse](t, rr).OK)

	view = decode[models.SessionContext](t, do(t, h, http.MethodGet, base+"/", nil, "")).CurrentChat
	require.Len(t, view.MessagesToDisplay, 2)
	assert.NotEqual(t, reply.ID, view.MessagesToDisplay[1].ID)

	rr = do(t, h, http.MethodPut, base+"/messages/"+userMsg.ID, map[string]string{"content": "look up"}, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[models.OKResponse](t, rr).OK)

	view = decode[models.SessionContext](t, do(t, h, http.MethodGet, base+"/", nil, "")).CurrentChat
	require.Len(t, view.MessagesToDisplay, 2)
	assert.Equal(t, "look up", view.MessagesToDisplay[0].Content)
}

func TestSessionHandler_RegenerateUnknownMessage(t *testing.T) {
	h, _ := newTestRouter(t, true)
	snap := createSession(t, h)
	base := "/sessions/" + snap.SessionID

	// No chat exists yet.
	rr := do(t, h, http.MethodPost, base+"/messages/m1/regenerate", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.True(t, decode[models.NewMessageResponse](t, do(t, h, http.MethodPost, base+"/messages",
		map[string]string{"message": "hi"}, "")).OK)

	rr = do(t, h, http.MethodPost, base+"/messages/m1/regenerate", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Message not found", decode[models.ErrorResponse](t, rr).Error.Message)
}

func TestSessionHandler_EditWithoutChatStartsOne(t *testing.T) {
	h, _ := newTestRouter(t, true)
	snap := createSession(t, h)
	base := "/sessions/" + snap.SessionID

	rr := do(t, h, http.MethodPut, base+"/route", models.RouteRequest{Path: "/chat/gone"}, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodPut, base+"/messages/m1", map[string]string{"content": "begin again"}, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[models.OKResponse](t, rr).OK)

	after := decode[models.SessionContext](t, do(t, h, http.MethodGet, base+"/", nil, ""))
	assert.NotEqual(t, "gone", after.ID)
	require.Len(t, after.CurrentChat.MessagesToDisplay, 2)
}

func TestSessionHandler_Route(t *testing.T) {
	h, _ := newTestRouter(t, true)
	snap := createSession(t, h)
	base := "/sessions/" + snap.SessionID

	rr := do(t, h, http.MethodPut, base+"/route", models.RouteRequest{Path: "/s/abc"}, "")
	require.Equal(t, http.StatusOK, rr.Code)
	after := decode[models.SessionContext](t, rr)
	assert.True(t, after.IsShare)
	assert.Equal(t, "abc", after.ID)

	rr = do(t, h, http.MethodPost, base+"/messages", map[string]string{"message": "hi"}, "")
	assert.False(t, decode[models.NewMessageResponse](t, rr).OK)

	rr = do(t, h, http.MethodPut, base+"/route", models.RouteRequest{Path: "chat/abc"}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decode[models.ErrorResponse](t, rr).Error.Fields, "path")
}

func TestSessionHandler_LoginLogout(t *testing.T) {
	h, _ := newTestRouter(t, true)
	snap := createSession(t, h)
	base := "/sessions/" + snap.SessionID

	rr := do(t, h, http.MethodPost, base+"/login", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token, err := middleware.NewJWTAuth(testSecret).GenerateAccessToken(models.User{ID: "u2"}, time.Hour)
	require.NoError(t, err)

	rr = do(t, h, http.MethodPost, base+"/login", nil, token)
	require.Equal(t, http.StatusOK, rr.Code)
	in := decode[models.SessionContext](t, rr)
	assert.True(t, in.Authenticated)
	assert.True(t, in.Registered)

	rr = do(t, h, http.MethodDelete, base+"/login", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	out := decode[models.SessionContext](t, rr)
	assert.False(t, out.Authenticated)
	assert.True(t, out.SessionExpired)
}

func TestSessionHandler_Options(t *testing.T) {
	h, _ := newTestRouter(t, false)
	snap := createSession(t, h)
	base := "/sessions/" + snap.SessionID

	rr := do(t, h, http.MethodGet, base+"/options?namespace=parameters&key=model", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	opt := decode[models.OptionResponse](t, rr)
	assert.Equal(t, "gpt-3.5-turbo", opt.Value)
	assert.True(t, opt.Set)

	rr = do(t, h, http.MethodPut, base+"/options", models.OptionRequest{
		Namespace: "parameters", Key: "model", Scope: snap.ID, Value: "gpt-4",
	}, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, base+"/options?namespace=parameters&key=model&scope="+snap.ID, nil, "")
	assert.Equal(t, "gpt-4", decode[models.OptionResponse](t, rr).Value)

	rr = do(t, h, http.MethodPut, base+"/options", models.OptionRequest{
		Namespace: "openai", Key: "apiKey", Value: "sk-secret",
	}, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, base+"/options?namespace=openai&key=apiKey", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "sk-secret")
	secret := decode[models.OptionResponse](t, rr)
	assert.True(t, secret.Set)
	assert.Nil(t, secret.Value)

	// The stored key now lets messages through without a proxy.
	rr = do(t, h, http.MethodPost, base+"/messages", map[string]string{"message": "hi"}, "")
	assert.True(t, decode[models.NewMessageResponse](t, rr).OK)
}

func TestSessionHandler_OptionValidation(t *testing.T) {
	h, _ := newTestRouter(t, true)
	snap := createSession(t, h)
	base := "/sessions/" + snap.SessionID

	rr := do(t, h, http.MethodGet, base+"/options?namespace=parameters", nil, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decode[models.ErrorResponse](t, rr).Error.Fields, "key")

	rr = do(t, h, http.MethodPut, base+"/options", models.OptionRequest{Key: "model"}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decode[models.ErrorResponse](t, rr).Error.Fields, "namespace")
}

// ─── Chats ───

type stubLister struct {
	chats []models.Chat
	err   error
	owner string
	limit int
}

func (s *stubLister) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Chat, error) {
	s.owner = ownerID
	s.limit = limit
	return s.chats, s.err
}

func withUser(r *http.Request, u *models.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), middleware.UserKey, u))
}

func TestChatsHandler_List(t *testing.T) {
	lister := &stubLister{chats: []models.Chat{{ID: "c1", OwnerID: "ada@example.com"}}}
	h := NewChatsHandler(lister, zap.NewNop())

	req := withUser(httptest.NewRequest(http.MethodGet, "/chats?limit=10", nil), &models.User{ID: "u1", Email: "ada@example.com"})
	rr := httptest.NewRecorder()
	h.List(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ada@example.com", lister.owner)
	assert.Equal(t, 10, lister.limit)
	assert.Len(t, decode[models.ChatListResponse](t, rr).Chats, 1)
}

func TestChatsHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		user   *models.User
		query  string
		err    error
		status int
	}{
		{"anonymous", nil, "", nil, http.StatusUnauthorized},
		{"bad limit", &models.User{ID: "u1"}, "?limit=0", nil, http.StatusBadRequest},
		{"store failure", &models.User{ID: "u1"}, "", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewChatsHandler(&stubLister{err: tc.err}, zap.NewNop())
			req := httptest.NewRequest(http.MethodGet, "/chats"+tc.query, nil)
			if tc.user != nil {
				req = withUser(req, tc.user)
			}
			rr := httptest.NewRecorder()
			h.List(rr, req)
			assert.Equal(t, tc.status, rr.Code)
		})
	}
}

func TestChatsHandler_EmptyList(t *testing.T) {
	h := NewChatsHandler(&stubLister{}, zap.NewNop())
	req := withUser(httptest.NewRequest(http.MethodGet, "/chats", nil), &models.User{ID: "u1"})
	rr := httptest.NewRecorder()
	h.List(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"chats":[]}`, rr.Body.String())
}
