package handlers

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"narrator-backend/internal/middleware"
	"narrator-backend/internal/models"
)

type chatLister interface {
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Chat, error)
}

// ChatsHandler lists the chats a logged-in user owns.
type ChatsHandler struct {
	chats  chatLister
	logger *zap.Logger
}

func NewChatsHandler(chats chatLister, logger *zap.Logger) *ChatsHandler {
	return &ChatsHandler{chats: chats, logger: logger}
}

func (h *ChatsHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, errorResp("UNAUTHORIZED", "Missing authorization header", r))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
				map[string]string{"limit": "Must be between 1 and 200"}, r))
			return
		}
		limit = n
	}

	chats, err := h.chats.ListByOwner(r.Context(), user.Identifier(), limit)
	if err != nil {
		h.logger.Error("failed to list chats", zap.String("user_id", user.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to list chats", r))
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}

	writeJSON(w, http.StatusOK, models.ChatListResponse{Chats: chats})
}
