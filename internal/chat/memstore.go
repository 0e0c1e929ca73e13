package chat

import (
	"context"
	"sort"
	"sync"

	"narrator-backend/internal/models"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]models.Chat
	messages map[string]map[string]models.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]models.Chat),
		messages: make(map[string]map[string]models.Message),
	}
}

func (s *MemoryStore) SaveChat(ctx context.Context, c models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chats[c.ID] = c
	if s.messages[c.ID] == nil {
		s.messages[c.ID] = make(map[string]models.Message)
	}
	return nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[m.ChatID]; !ok {
		return ErrChatNotFound
	}
	s.messages[m.ChatID][m.ID] = m
	return nil
}

func (s *MemoryStore) LoadChat(ctx context.Context, id string) (models.Chat, []models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[id]
	if !ok {
		return models.Chat{}, nil, ErrChatNotFound
	}

	msgs := make([]models.Message, 0, len(s.messages[id]))
	for _, m := range s.messages[id] {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return c, msgs, nil
}
