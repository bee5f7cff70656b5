// Package handler provides HTTP handlers for the admin API.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/social-scheduler/internal/middleware"
	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/internal/store"
	"github.com/capitalize-ai/social-scheduler/pkg/logger"
)

// Conversations starts and ends conversations.
type Conversations interface {
	Start(ctx context.Context, initiatorID, targetID, commonContext string) (*model.Conversation, error)
	End(ctx context.Context, id, reason string) (*model.Conversation, error)
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service Conversations
	store   store.ConversationStore
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc Conversations, st store.ConversationStore, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		store:   st,
		logger:  log,
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.StartConversationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateAccountID(req.InitiatorID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateAccountID(req.TargetID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateText("context", req.Context, 1000); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Start(r.Context(), req.InitiatorID, req.TargetID, req.Context)
	if err != nil {
		h.logger.Info("conversation not started",
			zap.String("initiator_id", req.InitiatorID),
			zap.String("target_id", req.TargetID),
			zap.Error(err),
		)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations?status=active
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	status := model.ThreadStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.StatusActive
	}

	convs, err := h.store.ListConversations(r.Context(), status)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": convs,
		"total":         len(convs),
	})
}

// Get handles GET /api/v1/conversations/:id
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateThreadID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// End handles POST /api/v1/conversations/:id/end
func (h *ConversationHandler) End(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateThreadID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.EndRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := middleware.ValidateText("reason", req.Reason, 128); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.End(r.Context(), id, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}
