// Package chat owns chats, their message trees and reply generation.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"narrator-backend/internal/events"
	"narrator-backend/internal/llm"
	"narrator-backend/internal/metrics"
	"narrator-backend/internal/models"
	"narrator-backend/internal/options"
	"narrator-backend/internal/worker"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyMessage    = errors.New("message content is empty")
	ErrChatForbidden   = errors.New("chat belongs to another owner")
)

// persistTimeout bounds writes made after a generation finishes.
const persistTimeout = 10 * time.Second

// Store persists chats and messages.
type Store interface {
	SaveChat(ctx context.Context, c models.Chat) error
	SaveMessage(ctx context.Context, m models.Message) error
	// LoadChat returns ErrChatNotFound when no chat has the id.
	LoadChat(ctx context.Context, id string) (models.Chat, []models.Message, error)
}

// Submitter runs generation jobs. *worker.Pool satisfies it.
type Submitter interface {
	Submit(ctx context.Context, job worker.Job) error
}

type Deps struct {
	Store     Store
	Completer llm.Completer
	Pool      Submitter
	Options   *options.Options
	Bus       *events.Bus
	// Cache is shared by the managers of a process. Nil gives the manager a
	// private one.
	Cache *Cache
	// Owner owns the chats created before Login.
	Owner  string
	Logger *zap.Logger
}

type Manager struct {
	mu    sync.RWMutex
	owner string
	guest string
	// guestOptions is the option owner before Login.
	guestOptions string
	chats        *Cache

	store     Store
	completer llm.Completer
	pool      Submitter
	options   *options.Options
	bus       *events.Bus
	logger    *zap.Logger
}

func NewManager(d Deps) *Manager {
	bus := d.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	cache := d.Cache
	if cache == nil {
		cache = NewCache(DefaultCacheSize)
	}
	var guestOptions string
	if d.Options != nil {
		guestOptions = d.Options.Owner()
	}
	return &Manager{
		guestOptions: guestOptions,
		owner:        d.Owner,
		guest:        d.Owner,
		chats:        cache,
		store:        d.Store,
		completer:    d.Completer,
		pool:         d.Pool,
		options:      d.Options,
		bus:          bus,
		logger:       d.Logger,
	}
}

func (m *Manager) Options() *options.Options {
	return m.options
}

func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// On subscribes h to e and returns the unsubscribe function.
func (m *Manager) On(e events.Event, h events.Handler) func() {
	return m.bus.Subscribe(e, h)
}

// Login makes identifier the owner of chats created from now on and of the
// option set.
func (m *Manager) Login(identifier string) {
	m.mu.Lock()
	m.owner = identifier
	m.mu.Unlock()

	if m.options != nil {
		m.options.SetOwner(identifier)
	}
	m.logger.Debug("chat manager logged in", zap.String("owner", identifier))
}

// Logout returns chat and option ownership to the owners the manager started
// with.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.owner = m.guest
	m.mu.Unlock()

	if m.options != nil {
		m.options.SetOwner(m.guestOptions)
	}
}

func (m *Manager) Owner() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owner
}

// CreateChat creates an empty chat with a fresh id.
func (m *Manager) CreateChat(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if err := m.CreateChatWithID(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// CreateChatWithID creates an empty chat under id. It is a no-op when the chat
// already exists.
func (m *Manager) CreateChatWithID(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("chat id is required")
	}
	if m.Has(ctx, id) {
		return nil
	}

	now := time.Now().UTC()
	c := models.Chat{ID: id, OwnerID: m.Owner(), CreatedAt: now, UpdatedAt: now}
	if err := m.store.SaveChat(ctx, c); err != nil {
		return fmt.Errorf("failed to save chat: %w", err)
	}

	m.chats.add(id, NewTree(c))

	m.logger.Info("chat created", zap.String("chat_id", id))
	return nil
}

// Has reports whether the chat exists in memory or in the store.
func (m *Manager) Has(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	_, err := m.tree(ctx, id)
	return err == nil
}

// CanWrite reports whether messages may be added to chat id: it does not
// exist yet, or it belongs to the current owner or to the owner the manager
// started with.
func (m *Manager) CanWrite(ctx context.Context, id string) bool {
	t, err := m.tree(ctx, id)
	if errors.Is(err, ErrChatNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	return m.owns(t)
}

func (m *Manager) owns(t *Tree) bool {
	owner := t.Chat().OwnerID

	m.mu.RLock()
	defer m.mu.RUnlock()
	return owner == m.owner || owner == m.guest
}

// Get returns the displayed branch of a chat.
func (m *Manager) Get(ctx context.Context, id string) (models.ChatView, error) {
	t, err := m.tree(ctx, id)
	if err != nil {
		return models.ChatView{ID: id}, err
	}
	return t.View(), nil
}

// View is Get without the error: unknown chats yield an empty view.
func (m *Manager) View(ctx context.Context, id string) models.ChatView {
	v, err := m.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrChatNotFound) {
		m.logger.Warn("failed to load chat", zap.String("chat_id", id), zap.Error(err))
	}
	if v.MessagesToDisplay == nil {
		v.MessagesToDisplay = []models.Message{}
	}
	return v
}

// Message returns a single message of a chat.
func (m *Manager) Message(ctx context.Context, chatID, id string) (models.Message, error) {
	t, err := m.tree(ctx, chatID)
	if err != nil {
		return models.Message{}, err
	}
	msg, ok := t.Get(id)
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, nil
}

func (m *Manager) tree(ctx context.Context, id string) (*Tree, error) {
	if t, ok := m.chats.get(id); ok {
		return t, nil
	}

	c, msgs, err := m.store.LoadChat(ctx, id)
	if err != nil {
		return nil, err
	}

	t := NewTree(c)
	for _, msg := range msgs {
		if !msg.Done {
			// The process that was generating it is gone.
			msg.Done = true
			if msg.Error == "" {
				msg.Error = "generation interrupted"
			}
		}
		t.Add(msg)
	}
	return m.chats.add(id, t), nil
}

// SendMessage appends a user message and an assistant placeholder, then
// generates the reply in the background. When shouldPublish is false the user
// message is stored hidden. postprocess, when set, receives the finished reply.
func (m *Manager) SendMessage(ctx context.Context, out models.OutgoingMessage, shouldPublish bool, postprocess func(models.Message)) error {
	if strings.TrimSpace(out.Content) == "" {
		return ErrEmptyMessage
	}

	if !m.Has(ctx, out.ChatID) {
		if err := m.CreateChatWithID(ctx, out.ChatID); err != nil {
			return err
		}
	}
	t, err := m.tree(ctx, out.ChatID)
	if err != nil {
		return err
	}
	if !m.owns(t) {
		return ErrChatForbidden
	}

	params := out.RequestedParameters
	parentID := out.ParentID
	if parentID == "" {
		parentID = params.ParentID
	}
	if parentID != "" {
		if _, ok := t.Get(parentID); !ok {
			return fmt.Errorf("parent %s: %w", parentID, ErrMessageNotFound)
		}
	}

	now := time.Now().UTC()
	user := models.Message{
		ID:        ulid.Make().String(),
		ChatID:    out.ChatID,
		ParentID:  parentID,
		Role:      models.RoleUser,
		Content:   out.Content,
		Done:      true,
		Hidden:    !shouldPublish,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveMessage(ctx, user); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	t.Add(user)
	m.publishUpdate(user)

	return m.startReply(ctx, t, user, params, postprocess)
}

// Regenerate adds a new assistant reply next to msg when msg is a reply, or
// under msg when it is a user message. The stored history is reused verbatim.
func (m *Manager) Regenerate(ctx context.Context, msg models.Message, params models.Parameters) error {
	t, err := m.tree(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	if !m.owns(t) {
		return ErrChatForbidden
	}

	stored, ok := t.Get(msg.ID)
	if !ok {
		return fmt.Errorf("message %s: %w", msg.ID, ErrMessageNotFound)
	}

	anchor := stored
	if stored.Role != models.RoleUser {
		anchor, ok = t.Get(stored.ParentID)
		if !ok {
			return fmt.Errorf("message %s has no prompt to regenerate from", stored.ID)
		}
	}

	return m.startReply(ctx, t, anchor, params, nil)
}

func (m *Manager) startReply(ctx context.Context, t *Tree, prompt models.Message, params models.Parameters, postprocess func(models.Message)) error {
	history := m.history(ctx, t, prompt)

	now := time.Now().UTC()
	reply := models.Message{
		ID:          ulid.Make().String(),
		ChatID:      prompt.ChatID,
		ParentID:    prompt.ID,
		Role:        models.RoleAssistant,
		Model:       params.Model,
		Temperature: params.Temperature,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.SaveMessage(ctx, reply); err != nil {
		return fmt.Errorf("failed to save reply placeholder: %w", err)
	}
	t.Add(reply)
	m.publishUpdate(reply)

	start := time.Now()
	job := worker.Job{
		ID:   reply.ID,
		Type: "generation",
		Run: func(ctx context.Context) error {
			return m.generate(ctx, t, reply, history, params, start, postprocess)
		},
	}
	if err := m.pool.Submit(ctx, job); err != nil {
		m.finish(t, reply.ID, "", err, start, nil)
		return fmt.Errorf("failed to queue generation: %w", err)
	}
	return nil
}

func (m *Manager) generate(ctx context.Context, t *Tree, reply models.Message, history []models.ChatMessage, params models.Parameters, start time.Time, postprocess func(models.Message)) error {
	req := llm.CompletionRequest{
		Model:       params.Model,
		Temperature: params.Temperature,
		APIKey:      params.APIKey,
		Messages:    history,
	}

	content, err := m.completer.Stream(ctx, req, func(delta string) {
		updated, ok := t.Update(reply.ID, func(msg *models.Message) {
			msg.Content += delta
			msg.UpdatedAt = time.Now().UTC()
		})
		if ok {
			m.publishUpdate(updated)
		}
	})

	m.finish(t, reply.ID, content, err, start, postprocess)
	// The error is recorded on the message.
	return nil
}

// finish marks the reply done, records any provider error, persists it and
// announces the final state.
func (m *Manager) finish(t *Tree, id, content string, genErr error, start time.Time, postprocess func(models.Message)) {
	final, ok := t.Update(id, func(msg *models.Message) {
		if genErr == nil && content != "" {
			msg.Content = content
		}
		if genErr != nil {
			msg.Error = genErr.Error()
		}
		msg.Done = true
		msg.UpdatedAt = time.Now().UTC()
	})
	if !ok {
		return
	}

	outcome := "ok"
	if genErr != nil {
		outcome = "error"
		m.logger.Warn("generation failed",
			zap.String("chat_id", final.ChatID),
			zap.String("message_id", final.ID),
			zap.Error(genErr))
	}
	metrics.Generations.WithLabelValues(outcome).Inc()
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.SaveMessage(ctx, final); err != nil {
		m.logger.Error("failed to save reply",
			zap.String("message_id", final.ID),
			zap.Error(err))
	}

	m.publishUpdate(final)
	m.publishSync(final)

	if postprocess != nil {
		postprocess(final)
	}
}

// history is the optional system prompt followed by the branch ending at
// prompt. Failed or empty replies are left out.
func (m *Manager) history(ctx context.Context, t *Tree, prompt models.Message) []models.ChatMessage {
	var out []models.ChatMessage

	if m.options != nil {
		if sp := options.Get[string](ctx, m.options, "parameters", "systemPrompt", prompt.ChatID); strings.TrimSpace(sp) != "" {
			out = append(out, models.ChatMessage{Role: models.RoleSystem, Content: sp})
		}
	}

	for _, msg := range t.Path(prompt.ID) {
		if msg.Role == models.RoleAssistant && (msg.Error != "" || msg.Content == "") {
			continue
		}
		out = append(out, models.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

func (m *Manager) publishUpdate(msg models.Message) {
	m.bus.Publish(events.Update, models.ChatUpdate{ChatID: msg.ChatID, Message: msg})
}

func (m *Manager) publishSync(msg models.Message) {
	payload, err := json.Marshal(models.SyncUpdate{ChatID: msg.ChatID, Message: msg, At: time.Now().UTC()})
	if err != nil {
		m.logger.Warn("failed to encode sync update", zap.Error(err))
		return
	}
	m.bus.Publish(events.YUpdate, payload)
}
