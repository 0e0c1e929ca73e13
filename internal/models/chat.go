package models

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is a single role/content pair as sent to a completion provider.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// Parameters are assembled fresh for every request and never persisted with the key.
type Parameters struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	APIKey      string  `json:"-"`
	ParentID    string  `json:"parent_id,omitempty"`
}

// Message is a node in a chat's branching tree.
type Message struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Done        bool      `json:"done"`
	Hidden      bool      `json:"hidden,omitempty"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Chat struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OutgoingMessage is what the chat manager receives for dispatch.
type OutgoingMessage struct {
	ChatID              string
	Content             string
	RequestedParameters Parameters
	ParentID            string
}

// ChatView is the displayed branch of a chat.
type ChatView struct {
	ID                string    `json:"id"`
	MessagesToDisplay []Message `json:"messages"`
	Leaf              *Message  `json:"leaf,omitempty"`
}

// Generating reports whether the last displayed message is still streaming.
func (v ChatView) Generating() bool {
	if len(v.MessagesToDisplay) == 0 {
		return false
	}
	return !v.MessagesToDisplay[len(v.MessagesToDisplay)-1].Done
}

// SyncUpdate is the payload carried by y-update events.
type SyncUpdate struct {
	ChatID  string    `json:"chat_id"`
	Message Message   `json:"message"`
	At      time.Time `json:"at"`
}

// ─── HTTP payloads ───

type NewMessageRequest struct {
	Message *string `json:"message"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type RouteRequest struct {
	Path string `json:"path"`
}

type OptionRequest struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Scope     string `json:"scope,omitempty"`
	Value     any    `json:"value"`
}

// OptionResponse never carries secret values; Set reports whether one is stored.
type OptionResponse struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Scope     string `json:"scope,omitempty"`
	Value     any    `json:"value,omitempty"`
	Set       bool   `json:"set"`
}

type ChatListResponse struct {
	Chats []Chat `json:"chats"`
}

type NewMessageResponse struct {
	OK     bool   `json:"ok"`
	ChatID string `json:"chat_id,omitempty"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}
