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

// Groups creates groups, admits members and archives groups.
type Groups interface {
	CreateGroup(ctx context.Context, creatorID string, typ model.GroupType, topic string, initialMembers []string) (*model.Group, error)
	AddMembers(ctx context.Context, groupID string, accountIDs []string) (int, error)
	Archive(ctx context.Context, id, reason string) (*model.Group, error)
}

const maxMembersPerRequest = 50

// GroupHandler handles group endpoints.
type GroupHandler struct {
	service Groups
	store   store.GroupStore
	logger  *logger.Logger
}

// NewGroupHandler creates a new group handler.
func NewGroupHandler(svc Groups, st store.GroupStore, log *logger.Logger) *GroupHandler {
	return &GroupHandler{
		service: svc,
		store:   st,
		logger:  log,
	}
}

// Create handles POST /api/v1/groups
func (h *GroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateGroupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateAccountID(req.CreatorID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateAccountIDs(req.InitialMembers, maxMembersPerRequest); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateText("topic", req.Topic, 256); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g, err := h.service.CreateGroup(r.Context(), req.CreatorID, req.Type, req.Topic, req.InitialMembers)
	if err != nil {
		h.logger.Info("group not created", zap.String("creator_id", req.CreatorID), zap.Error(err))
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, g)
}

// Get handles GET /api/v1/groups/:id
func (h *GroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateThreadID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g, err := h.store.GetGroup(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, g)
}

// Members handles GET /api/v1/groups/:id/members
func (h *GroupHandler) Members(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateThreadID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	members, err := h.store.ListMembers(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if members == nil {
		members = []model.Member{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"members": members,
		"total":   len(members),
	})
}

// AddMembers handles POST /api/v1/groups/:id/members
func (h *GroupHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateThreadID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.AddMembersRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.AccountIDs) == 0 {
		writeError(w, http.StatusBadRequest, "account_ids cannot be empty")
		return
	}
	if err := middleware.ValidateAccountIDs(req.AccountIDs, maxMembersPerRequest); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	added, err := h.service.AddMembers(r.Context(), id, req.AccountIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := &model.AddMembersResponse{Added: added}
	if g, err := h.store.GetGroup(r.Context(), id); err == nil {
		resp.MemberCount = g.MemberCount
	}
	writeJSON(w, http.StatusOK, resp)
}

// Archive handles POST /api/v1/groups/:id/archive
func (h *GroupHandler) Archive(w http.ResponseWriter, r *http.Request) {
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

	g, err := h.service.Archive(r.Context(), id, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, g)
}
