package chat

import (
	"sync"

	"narrator-backend/internal/models"
)

// Tree holds one chat and its branching message history. A message with no
// parent is a root; edits and regenerations add siblings.
type Tree struct {
	mu       sync.RWMutex
	chat     models.Chat
	messages map[string]*models.Message
	children map[string][]string
}

func NewTree(c models.Chat) *Tree {
	return &Tree{
		chat:     c,
		messages: make(map[string]*models.Message),
		children: make(map[string][]string),
	}
}

func (t *Tree) Chat() models.Chat {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chat
}

// Add inserts or replaces msg.
func (t *Tree) Add(msg models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.messages[msg.ID]; !exists {
		t.children[msg.ParentID] = append(t.children[msg.ParentID], msg.ID)
	}
	m := msg
	t.messages[msg.ID] = &m
	if msg.UpdatedAt.After(t.chat.UpdatedAt) {
		t.chat.UpdatedAt = msg.UpdatedAt
	}
}

func (t *Tree) Get(id string) (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.messages[id]
	if !ok {
		return models.Message{}, false
	}
	return *m, true
}

// Update applies fn to the stored message and returns the result.
func (t *Tree) Update(id string, fn func(*models.Message)) (models.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.messages[id]
	if !ok {
		return models.Message{}, false
	}
	fn(m)
	if m.UpdatedAt.After(t.chat.UpdatedAt) {
		t.chat.UpdatedAt = m.UpdatedAt
	}
	return *m, true
}

func (t *Tree) Children(id string) []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := t.children[id]
	out := make([]models.Message, 0, len(ids))
	for _, cid := range ids {
		out = append(out, *t.messages[cid])
	}
	return out
}

func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Path returns the messages from the root down to id, inclusive.
func (t *Tree) Path(id string) []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.path(id)
}

func (t *Tree) path(id string) []models.Message {
	var rev []models.Message
	for cur := id; cur != "" && len(rev) <= len(t.messages); {
		m, ok := t.messages[cur]
		if !ok {
			break
		}
		rev = append(rev, *m)
		cur = m.ParentID
	}

	out := make([]models.Message, len(rev))
	for i, m := range rev {
		out[len(rev)-1-i] = m
	}
	return out
}

// Leaf returns the most recently created message without children. Ties on
// creation time are broken by id, which sorts by creation for ULIDs.
func (t *Tree) Leaf() (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf := t.leaf()
	if leaf == nil {
		return models.Message{}, false
	}
	return *leaf, true
}

func (t *Tree) leaf() *models.Message {
	var best *models.Message
	for id, m := range t.messages {
		if len(t.children[id]) > 0 {
			continue
		}
		if best == nil || newer(m, best) {
			best = m
		}
	}
	return best
}

func newer(a, b *models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// View returns the displayed branch: the path to the current leaf without
// hidden messages.
func (t *Tree) View() models.ChatView {
	t.mu.RLock()
	defer t.mu.RUnlock()

	view := models.ChatView{ID: t.chat.ID, MessagesToDisplay: []models.Message{}}
	leaf := t.leaf()
	if leaf == nil {
		return view
	}

	l := *leaf
	view.Leaf = &l
	for _, m := range t.path(leaf.ID) {
		if !m.Hidden {
			view.MessagesToDisplay = append(view.MessagesToDisplay, m)
		}
	}
	return view
}
