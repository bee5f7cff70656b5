package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/social-scheduler/internal/middleware"
	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/internal/store"
	"github.com/capitalize-ai/social-scheduler/pkg/logger"
)

// MessageHandler serves the message history of conversations and groups.
type MessageHandler struct {
	store  store.Store
	logger *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(st store.Store, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		store:  st,
		logger: log,
	}
}

// Conversation handles GET /api/v1/conversations/:id/messages
func (h *MessageHandler) Conversation(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.store.ListConversationMessages)
}

// Group handles GET /api/v1/groups/:id/messages
func (h *MessageHandler) Group(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.store.ListGroupMessages)
}

func (h *MessageHandler) list(w http.ResponseWriter, r *http.Request, fetch func(context.Context, string, int) ([]model.Message, error)) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateThreadID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	msgs, err := fetch(r.Context(), id, limit)
	if err != nil {
		h.logger.Debug("failed to list messages", zap.String("thread_id", id), zap.Error(err))
		writeServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
		Messages: msgs,
		Total:    len(msgs),
	})
}
