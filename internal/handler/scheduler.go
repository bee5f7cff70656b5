package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/social-scheduler/internal/service"
	"github.com/capitalize-ai/social-scheduler/pkg/logger"
)

// Driver runs scheduler passes on demand.
type Driver interface {
	Tick(ctx context.Context) (conversations, groups service.TickResult, err error)
	Initiate(ctx context.Context) (conversations, groups int, err error)
}

// SchedulerHandler exposes manual tick and initiation passes.
type SchedulerHandler struct {
	driver Driver
	logger *logger.Logger
}

// NewSchedulerHandler creates a new scheduler handler.
func NewSchedulerHandler(d Driver, log *logger.Logger) *SchedulerHandler {
	return &SchedulerHandler{
		driver: d,
		logger: log,
	}
}

// TickResponse reports the outcome of a manual tick.
type TickResponse struct {
	Conversations service.TickResult `json:"conversations"`
	Groups        service.TickResult `json:"groups"`
}

// InitiateResponse reports how many threads an initiation pass created.
type InitiateResponse struct {
	Conversations int `json:"conversations"`
	Groups        int `json:"groups"`
}

// Tick handles POST /api/v1/scheduler/tick
func (h *SchedulerHandler) Tick(w http.ResponseWriter, r *http.Request) {
	conv, groups, err := h.driver.Tick(r.Context())
	if err != nil {
		h.logger.Error("manual tick failed", zap.Error(err))
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &TickResponse{
		Conversations: conv,
		Groups:        groups,
	})
}

// Initiate handles POST /api/v1/scheduler/initiate
func (h *SchedulerHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	conv, groups, err := h.driver.Initiate(r.Context())
	if err != nil {
		h.logger.Error("manual initiation failed", zap.Error(err))
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &InitiateResponse{
		Conversations: conv,
		Groups:        groups,
	})
}
