package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/internal/service"
	"github.com/capitalize-ai/social-scheduler/internal/store"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps scheduler and store errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	if reason := service.Reason(err); reason != "" {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":  "not permitted",
			"reason": reason,
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAccountNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrStageTooLow):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrAlreadyActive),
		errors.Is(err, service.ErrGroupCeiling),
		errors.Is(err, service.ErrGroupNotActive),
		errors.Is(err, service.ErrGroupFull),
		errors.Is(err, model.ErrAlreadyTerminated):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrComposeFailed), errors.Is(err, service.ErrTransport):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
