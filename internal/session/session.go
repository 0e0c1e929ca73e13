// Package session is the per-client application context: it derives the
// state a chat UI renders and runs the new, regenerate and edit operations.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"narrator-backend/internal/agent"
	"narrator-backend/internal/events"
	"narrator-backend/internal/metrics"
	"narrator-backend/internal/models"
	"narrator-backend/internal/options"
	"narrator-backend/internal/rules"
)

var ErrInvalidPath = errors.New("path must start with /")

// notifyTimeout bounds pushes made from event handlers.
const notifyTimeout = 5 * time.Second

// ChatManager is the chat surface a session drives.
type ChatManager interface {
	Options() *options.Options
	On(e events.Event, h events.Handler) func()
	Login(identifier string)
	Logout()
	Has(ctx context.Context, id string) bool
	CanWrite(ctx context.Context, id string) bool
	CreateChat(ctx context.Context) (string, error)
	View(ctx context.Context, id string) models.ChatView
	Message(ctx context.Context, chatID, id string) (models.Message, error)
	Regenerate(ctx context.Context, msg models.Message, params models.Parameters) error
}

// Authenticator is the backend surface a session reads auth state from.
type Authenticator interface {
	IsAuthenticated() bool
	User() *models.User
	SetUser(u *models.User)
	Logout()
	On(e events.Event, h events.Handler) func()
	ReceiveYUpdate(ctx context.Context, payload []byte) error
}

// Notifier pushes a message to the clients attached to a session.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, msg models.WSMessage) error
}

// FlagStore remembers that a user has registered before.
type FlagStore interface {
	MarkRegistered(ctx context.Context, userID string) error
	Registered(ctx context.Context, userID string) (bool, error)
}

type Deps struct {
	Chat      ChatManager
	Backend   Authenticator
	Agent     agent.Agent
	Rules     rules.Injector
	Narrative bool
	// ProxySupported reports whether requests without an API key can be served.
	ProxySupported func() bool
	Notifier       Notifier
	Flags          FlagStore
	Logger         *zap.Logger
}

type Session struct {
	id string

	chat      ChatManager
	backend   Authenticator
	agent     agent.Agent
	rules     rules.Injector
	narrative bool
	proxy     func() bool
	notifier  Notifier
	flags     FlagStore
	logger    *zap.Logger

	// opMu serializes the user operations of one session.
	opMu sync.Mutex

	mu               sync.RWMutex
	path             string
	routeID          string
	nextID           string
	authenticated    bool
	wasAuthenticated bool
	lastActive       time.Time

	unsubscribe []func()
	closeOnce   sync.Once
}

// New wires a session to its collaborators and subscribes to their events.
// Close releases the subscriptions.
func New(id string, d Deps) *Session {
	proxy := d.ProxySupported
	if proxy == nil {
		proxy = func() bool { return false }
	}

	s := &Session{
		id:         id,
		chat:       d.Chat,
		backend:    d.Backend,
		agent:      d.Agent,
		rules:      d.Rules,
		narrative:  d.Narrative,
		proxy:      proxy,
		notifier:   d.Notifier,
		flags:      d.Flags,
		logger:     d.Logger.With(zap.String("session_id", id)),
		path:       "/",
		nextID:     uuid.NewString(),
		lastActive: time.Now(),
	}

	s.updateAuth(s.backend.IsAuthenticated(), false)

	s.unsubscribe = append(s.unsubscribe,
		s.chat.On(events.YUpdate, s.onYUpdate),
		s.chat.On(events.Update, s.onChatUpdate),
		s.backend.On(events.Authenticated, func(payload any) {
			authenticated, _ := payload.(bool)
			s.updateAuth(authenticated, true)
		}),
	)

	return s
}

func (s *Session) ID() string {
	return s.id
}

// Close unsubscribes the session from its collaborators. It is safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		for _, unsub := range s.unsubscribe {
			unsub()
		}
		s.logger.Debug("session closed")
	})
}

func (s *Session) Options() *options.Options {
	return s.chat.Options()
}

// Navigate moves the session to path: "/" is home, "/chat/{id}" opens a
// chat and "/s/{id}" opens a chat read-only.
func (s *Session) Navigate(path string) error {
	if !strings.HasPrefix(path, "/") {
		return ErrInvalidPath
	}

	routeID := ""
	for _, prefix := range []string{"/chat/", "/s/"} {
		if strings.HasPrefix(path, prefix) {
			routeID = strings.Trim(strings.TrimPrefix(path, prefix), "/")
			break
		}
	}

	s.mu.Lock()
	s.path = path
	s.routeID = routeID
	s.lastActive = time.Now()
	s.mu.Unlock()
	return nil
}

// CurrentID is the routed chat id, or the id the next new chat will get.
func (s *Session) CurrentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID()
}

func (s *Session) currentID() string {
	if s.routeID != "" {
		return s.routeID
	}
	return s.nextID
}

// readOnly reports whether chat id is shown as a share: the path is a share
// link or the chat belongs to someone else.
func (s *Session) readOnly(ctx context.Context, id string) bool {
	s.mu.RLock()
	share := strings.HasPrefix(s.path, "/s/")
	s.mu.RUnlock()
	return share || !s.chat.CanWrite(ctx, id)
}

// LastActive is when the session last handled a request.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Snapshot returns the current context as the UI sees it.
func (s *Session) Snapshot(ctx context.Context) models.SessionContext {
	s.mu.RLock()
	id := s.currentID()
	path := s.path
	authenticated := s.authenticated
	wasAuthenticated := s.wasAuthenticated
	s.mu.RUnlock()

	view := displayView(s.chat.View(ctx, id))
	user := s.backend.User()

	return models.SessionContext{
		SessionID:      s.id,
		Authenticated:  authenticated,
		SessionExpired: !authenticated && wasAuthenticated,
		ID:             id,
		User:           user,
		CurrentChat:    view,
		IsHome:         path == "/",
		IsShare:        strings.HasPrefix(path, "/s/") || !s.chat.CanWrite(ctx, id),
		Generating:     view.Generating(),
		Registered:     s.registered(ctx, user),
	}
}

// Generating reports whether the last displayed message is still streaming.
func (s *Session) Generating(ctx context.Context) bool {
	return s.chat.View(ctx, s.CurrentID()).Generating()
}

// Message looks up a message of the current chat.
func (s *Session) Message(ctx context.Context, id string) (models.Message, error) {
	return s.chat.Message(ctx, s.CurrentID(), id)
}

// Authenticate sets the session user, or logs out when u is nil.
func (s *Session) Authenticate(u *models.User) {
	if u == nil {
		s.backend.Logout()
		return
	}
	s.backend.SetUser(u)
}

// OnNewMessage sends text to the current chat and returns its id. It returns
// false in share mode, for blank text and when no API key or proxy is
// available.
func (s *Session) OnNewMessage(ctx context.Context, text string) (string, bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.touch()

	if s.readOnly(ctx, s.CurrentID()) {
		s.reject("share")
		return "", false
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		s.reject("empty")
		return "", false
	}

	apiKey, ok := s.apiKey(ctx)
	if !ok {
		s.reject("no_api_key")
		return "", false
	}

	s.mu.RLock()
	id := s.currentID()
	first := id == s.nextID
	s.mu.RUnlock()

	params := s.parameters(ctx, id, apiKey)

	if first {
		s.primeSpeech(ctx)
	}

	var parentID string
	if leaf := s.chat.View(ctx, id).Leaf; leaf != nil {
		parentID = leaf.ID
	}
	params.ParentID = parentID

	err := s.agent.SendMessage(ctx, agent.SendRequest{
		ChatID:     id,
		Text:       s.compose(trimmed),
		Parameters: params,
		ParentID:   parentID,
	})
	if err != nil {
		s.logger.Error("failed to send message", zap.String("chat_id", id), zap.Error(err))
		s.reject("dispatch_error")
		return "", false
	}

	s.mu.Lock()
	if first && s.nextID == id {
		s.nextID = uuid.NewString()
	}
	s.path = "/chat/" + id
	s.routeID = id
	s.mu.Unlock()

	metrics.MessagesSent.WithLabelValues("new").Inc()
	s.logger.Info("message sent", zap.String("chat_id", id), zap.Bool("new_chat", first))
	return id, true
}

// RegenerateMessage asks for a new reply to msg with the current parameters.
func (s *Session) RegenerateMessage(ctx context.Context, msg models.Message) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.touch()

	scope := msg.ChatID
	if scope == "" {
		scope = s.CurrentID()
		msg.ChatID = scope
	}

	if s.readOnly(ctx, scope) {
		s.reject("share")
		return false
	}

	apiKey, ok := s.apiKey(ctx)
	if !ok {
		s.reject("no_api_key")
		return false
	}

	if err := s.chat.Regenerate(ctx, msg, s.parameters(ctx, scope, apiKey)); err != nil {
		s.logger.Error("failed to regenerate message",
			zap.String("chat_id", scope),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		s.reject("dispatch_error")
		return false
	}

	metrics.MessagesSent.WithLabelValues("regenerate").Inc()
	return true
}

// EditMessage sends content as a new sibling of msg. When the current chat
// does not exist yet a new chat is created first and the edit becomes its
// root message rather than a child of msg's parent.
func (s *Session) EditMessage(ctx context.Context, msg models.Message, content string) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.touch()

	if s.readOnly(ctx, s.CurrentID()) {
		s.reject("share")
		return false
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		s.reject("empty")
		return false
	}

	apiKey, ok := s.apiKey(ctx)
	if !ok {
		s.reject("no_api_key")
		return false
	}

	id := s.CurrentID()
	params := s.parameters(ctx, id, apiKey)

	chatID := id
	parentID := msg.ParentID
	created := false
	if id == "" || !s.chat.Has(ctx, id) {
		newID, err := s.chat.CreateChat(ctx)
		if err != nil {
			s.logger.Error("failed to create chat for edit", zap.Error(err))
			s.reject("dispatch_error")
			return false
		}
		chatID = newID
		// The original parent belongs to another chat.
		parentID = ""
		created = true
	}
	params.ParentID = parentID

	err := s.agent.SendMessage(ctx, agent.SendRequest{
		ChatID:     chatID,
		Text:       s.compose(trimmed),
		Parameters: params,
		ParentID:   parentID,
	})
	if err != nil {
		s.logger.Error("failed to send edited message", zap.String("chat_id", chatID), zap.Error(err))
		s.reject("dispatch_error")
		return false
	}

	if created {
		s.mu.Lock()
		s.path = "/chat/" + chatID
		s.routeID = chatID
		s.mu.Unlock()
	}

	metrics.MessagesSent.WithLabelValues("edit").Inc()
	return true
}

// compose applies the rule block once in narrative mode.
func (s *Session) compose(text string) string {
	if !s.narrative {
		return text
	}
	return s.rules.Inject(text)
}

// apiKey returns the configured key. When there is none and no proxy can
// serve the request, the client is asked for a key and ok is false.
func (s *Session) apiKey(ctx context.Context) (string, bool) {
	key := options.Get[string](ctx, s.chat.Options(), "openai", "apiKey", "")
	if key != "" || s.proxy() {
		return key, true
	}

	s.notify(ctx, models.WSMessage{Type: models.WSOpenAPIKeyPanel})
	return "", false
}

func (s *Session) parameters(ctx context.Context, chatID, apiKey string) models.Parameters {
	opts := s.chat.Options()
	return models.Parameters{
		Model:       options.Get[string](ctx, opts, "parameters", "model", chatID),
		Temperature: options.Get[float64](ctx, opts, "parameters", "temperature", chatID),
		APIKey:      apiKey,
	}
}

// primeSpeech asks web-speech clients to speak a silent utterance so replies
// can autoplay later.
func (s *Session) primeSpeech(ctx context.Context) {
	opts := s.chat.Options()
	if !options.Get[bool](ctx, opts, "tts", "autoplay", "") {
		return
	}
	if options.Get[string](ctx, opts, "tts", "service", "") != "web-speech" {
		return
	}
	s.notify(ctx, models.WSMessage{
		Type:    models.WSTTSPrime,
		Payload: models.TTSPrime{Text: "Generating", Volume: 0},
	})
}

func (s *Session) reject(reason string) {
	metrics.MessagesRejected.WithLabelValues(reason).Inc()
	s.logger.Debug("message rejected", zap.String("reason", reason))
}

func (s *Session) updateAuth(authenticated, announce bool) {
	s.mu.Lock()
	s.authenticated = authenticated
	if authenticated {
		s.wasAuthenticated = true
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if !authenticated {
		s.chat.Logout()
	}
	if user := s.backend.User(); authenticated && user != nil {
		s.chat.Login(user.Identifier())
		if s.flags != nil {
			if err := s.flags.MarkRegistered(ctx, user.ID); err != nil {
				s.logger.Warn("failed to store registered flag", zap.String("user_id", user.ID), zap.Error(err))
			}
		}
	}

	if announce {
		s.notify(ctx, models.WSMessage{
			Type:    models.WSAuthenticated,
			Payload: models.AuthState{Authenticated: authenticated},
		})
	}
}

func (s *Session) registered(ctx context.Context, user *models.User) bool {
	if s.flags == nil || user == nil {
		return false
	}
	ok, err := s.flags.Registered(ctx, user.ID)
	if err != nil {
		s.logger.Warn("failed to read registered flag", zap.Error(err))
		return false
	}
	return ok
}

func (s *Session) onYUpdate(payload any) {
	raw, ok := payload.([]byte)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := s.backend.ReceiveYUpdate(ctx, raw); err != nil {
		s.logger.Warn("failed to forward sync update", zap.Error(err))
	}
}

func (s *Session) onChatUpdate(payload any) {
	update, ok := payload.(models.ChatUpdate)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	update.Message = displayMessage(update.Message)
	s.notify(ctx, models.WSMessage{Type: models.WSChatUpdate, Payload: update})
}

// displayView removes the rule block from the player's messages.
func displayView(v models.ChatView) models.ChatView {
	msgs := make([]models.Message, len(v.MessagesToDisplay))
	for i, m := range v.MessagesToDisplay {
		msgs[i] = displayMessage(m)
	}
	v.MessagesToDisplay = msgs
	if v.Leaf != nil {
		leaf := displayMessage(*v.Leaf)
		v.Leaf = &leaf
	}
	return v
}

func displayMessage(m models.Message) models.Message {
	if m.Role == models.RoleUser {
		m.Content = rules.Strip(m.Content)
	}
	return m
}

func (s *Session) notify(ctx context.Context, msg models.WSMessage) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, s.id, msg); err != nil {
		s.logger.Warn("failed to notify session", zap.String("type", msg.Type), zap.Error(err))
	}
}
