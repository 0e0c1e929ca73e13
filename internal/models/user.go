package models

// User is the identity attached to an authenticated session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Identifier is what the chat manager logs in with: the email when known, else the id.
func (u *User) Identifier() string {
	if u == nil {
		return ""
	}
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}

// SessionContext is the UI-facing view of a session.
type SessionContext struct {
	SessionID      string   `json:"session_id"`
	Authenticated  bool     `json:"authenticated"`
	SessionExpired bool     `json:"session_expired"`
	ID             string   `json:"id"`
	User           *User    `json:"user"`
	CurrentChat    ChatView `json:"current_chat"`
	IsHome         bool     `json:"is_home"`
	IsShare        bool     `json:"is_share"`
	Generating     bool     `json:"generating"`
	// Registered is set once the user has authenticated on any session.
	Registered bool `json:"registered"`
}
