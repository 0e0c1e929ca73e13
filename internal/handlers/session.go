package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"narrator-backend/internal/chat"
	"narrator-backend/internal/middleware"
	"narrator-backend/internal/models"
	"narrator-backend/internal/options"
	"narrator-backend/internal/session"
)

type SessionHandler struct {
	registry *session.Registry
	logger   *zap.Logger
}

func NewSessionHandler(registry *session.Registry, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{registry: registry, logger: logger}
}

// lookup resolves {sid} and writes a 404 when the session is gone.
func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, ok := h.registry.Get(chi.URLParam(r, "sid"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResp("SESSION_NOT_FOUND", "Session not found", r))
		return nil, false
	}
	return s, true
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	s := h.registry.Create(middleware.GetUser(r.Context()))
	writeJSON(w, http.StatusCreated, s.Snapshot(r.Context()))
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot(r.Context()))
}

func (h *SessionHandler) Route(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req models.RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	if err := s.Navigate(req.Path); err != nil {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"path": err.Error()}, r))
		return
	}

	writeJSON(w, http.StatusOK, s.Snapshot(r.Context()))
}

// Login attaches the bearer token's user to the session.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, errorResp("UNAUTHORIZED", "Missing authorization header", r))
		return
	}

	s.Authenticate(user)
	writeJSON(w, http.StatusOK, s.Snapshot(r.Context()))
}

func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	s.Authenticate(nil)
	writeJSON(w, http.StatusOK, s.Snapshot(r.Context()))
}

func (h *SessionHandler) NewMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req models.NewMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	var text string
	if req.Message != nil {
		text = *req.Message
	}

	chatID, sent := s.OnNewMessage(r.Context(), text)
	writeJSON(w, http.StatusOK, models.NewMessageResponse{OK: sent, ChatID: chatID})
}

func (h *SessionHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	msg, err := s.Message(r.Context(), chi.URLParam(r, "mid"))
	if err != nil {
		writeMessageError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.OKResponse{OK: s.RegenerateMessage(r.Context(), msg)})
}

func (h *SessionHandler) Edit(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req models.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	mid := chi.URLParam(r, "mid")
	msg, err := s.Message(r.Context(), mid)
	switch {
	case errors.Is(err, chat.ErrChatNotFound):
		// Editing into a chat that does not exist yet starts a new one.
		msg = models.Message{ID: mid}
	case err != nil:
		writeMessageError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.OKResponse{OK: s.EditMessage(r.Context(), msg, req.Content)})
}

func (h *SessionHandler) GetOption(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	namespace, key, scope := q.Get("namespace"), q.Get("key"), q.Get("scope")
	if fields := validateOption(namespace, key); fields != nil {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", fields, r))
		return
	}

	resp := models.OptionResponse{Namespace: namespace, Key: key, Scope: scope}
	value := options.Get[any](r.Context(), s.Options(), namespace, key, scope)
	if options.IsSecret(namespace, key) {
		str, _ := value.(string)
		resp.Set = str != ""
	} else {
		resp.Value = value
		resp.Set = value != nil
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) SetOption(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req models.OptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}
	if fields := validateOption(req.Namespace, req.Key); fields != nil {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", fields, r))
		return
	}

	if err := s.Options().Set(r.Context(), req.Namespace, req.Key, req.Scope, req.Value); err != nil {
		h.logger.Error("failed to store option",
			zap.String("session_id", s.ID()),
			zap.String("option", req.Namespace+"."+req.Key),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to store option", r))
		return
	}

	writeJSON(w, http.StatusOK, models.OKResponse{OK: true})
}

func validateOption(namespace, key string) map[string]string {
	fields := map[string]string{}
	if strings.TrimSpace(namespace) == "" {
		fields["namespace"] = "Namespace is required"
	}
	if strings.TrimSpace(key) == "" {
		fields["key"] = "Key is required"
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func writeMessageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrChatNotFound):
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Chat not found", r))
	case errors.Is(err, chat.ErrMessageNotFound):
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Message not found", r))
	default:
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred", r))
	}
}
