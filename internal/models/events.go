package models

// WebSocket message types
const (
	WSChatUpdate      = "chat_update"
	WSOpenAPIKeyPanel = "open_api_key_panel"
	WSTTSPrime        = "tts_prime"
	WSAuthenticated   = "authenticated"
)

type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type ChatUpdate struct {
	ChatID  string  `json:"chat_id"`
	Message Message `json:"message"`
}

// TTSPrime asks the client to speak a silent utterance so later autoplay is allowed.
type TTSPrime struct {
	Text   string  `json:"text"`
	Volume float64 `json:"volume"`
}

type AuthState struct {
	Authenticated bool `json:"authenticated"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
