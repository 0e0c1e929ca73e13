// Package backend tracks a session's authenticated user and forwards sync
// updates for that user to durable storage.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"narrator-backend/internal/events"
	"narrator-backend/internal/models"
)

// SyncSink stores sync updates for a user.
type SyncSink interface {
	AppendSync(ctx context.Context, userID, chatID string, payload []byte) error
}

type Backend struct {
	mu     sync.RWMutex
	user   *models.User
	bus    *events.Bus
	sink   SyncSink
	logger *zap.Logger
}

// New builds a Backend publishing on bus. sink may be nil, in which case sync
// updates are dropped.
func New(bus *events.Bus, sink SyncSink, logger *zap.Logger) *Backend {
	if bus == nil {
		bus = events.NewBus()
	}
	return &Backend{bus: bus, sink: sink, logger: logger}
}

func (b *Backend) IsAuthenticated() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.user != nil
}

func (b *Backend) User() *models.User {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.user == nil {
		return nil
	}
	u := *b.user
	return &u
}

// SetUser authenticates the backend as u and publishes the new state.
func (b *Backend) SetUser(u *models.User) {
	b.mu.Lock()
	if u == nil {
		b.user = nil
	} else {
		copied := *u
		b.user = &copied
	}
	b.mu.Unlock()

	b.bus.Publish(events.Authenticated, u != nil)
}

func (b *Backend) Logout() {
	b.SetUser(nil)
}

// On subscribes h to e and returns the unsubscribe function.
func (b *Backend) On(e events.Event, h events.Handler) func() {
	return b.bus.Subscribe(e, h)
}

// ReceiveYUpdate stores a serialized sync update for the current user.
// Updates that arrive while logged out are dropped.
func (b *Backend) ReceiveYUpdate(ctx context.Context, payload []byte) error {
	u := b.User()
	if u == nil || b.sink == nil {
		b.logger.Debug("dropping sync update", zap.Bool("authenticated", u != nil))
		return nil
	}

	var update models.SyncUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return fmt.Errorf("invalid sync update: %w", err)
	}

	if err := b.sink.AppendSync(ctx, u.ID, update.ChatID, payload); err != nil {
		return fmt.Errorf("failed to store sync update: %w", err)
	}
	return nil
}
