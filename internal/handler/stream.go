package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/social-scheduler/internal/middleware"
	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/internal/store"
	"github.com/capitalize-ai/social-scheduler/pkg/logger"
	"github.com/capitalize-ai/social-scheduler/pkg/metrics"
)

// EventReader reads the persisted lifecycle events of a thread.
type EventReader interface {
	ReadEvents(ctx context.Context, threadID string, afterSequence uint64, limit int) ([]model.ThreadEvent, uint64, bool, error)
}

const replayBatch = 50

// StreamHandler streams thread lifecycle events over SSE.
type StreamHandler struct {
	events EventReader
	store  store.Store
	logger *logger.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(events EventReader, st store.Store, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		events:            events,
		store:             st,
		logger:            log,
		pollInterval:      2 * time.Second,
		heartbeatInterval: 30 * time.Second,
	}
}

// ReplayCompleteEvent marks the end of the replay of stored events.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

// ErrorEvent is sent when the stream cannot continue.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent keeps idle connections open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// Stream handles GET /api/v1/threads/:id/events
// Supports ?after_sequence=N for resuming from a specific point
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := chi.URLParam(r, "id")

	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind, err := h.threadKind(ctx, threadID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var cursor uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after_sequence must be a non-negative integer")
			return
		}
		cursor = seq
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.WithThread(string(kind), threadID)

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"thread_id": threadID,
		"kind":      string(kind),
	})

	var replayed int
	for {
		n, more, err := h.drain(ctx, w, flusher, threadID, &cursor)
		replayed += n
		if err != nil {
			h.fail(w, flusher, log, err)
			return
		}
		if !more {
			break
		}
	}

	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastSequence: cursor,
		EventCount:   replayed,
	})
	log.Debug("event replay complete", zap.Int("events", replayed), zap.Uint64("last_sequence", cursor))

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return
		case <-poll.C:
			if _, _, err := h.drain(ctx, w, flusher, threadID, &cursor); err != nil {
				h.fail(w, flusher, log, err)
				return
			}
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{Timestamp: time.Now()})
		}
	}
}

// drain sends one batch of events after *cursor and advances it.
func (h *StreamHandler) drain(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, threadID string, cursor *uint64) (int, bool, error) {
	events, last, more, err := h.events.ReadEvents(ctx, threadID, *cursor, replayBatch)
	if err != nil {
		return 0, false, err
	}
	for i := range events {
		if ctx.Err() != nil {
			return i, false, nil
		}
		if err := sendSSEEvent(w, flusher, string(events[i].Type), &events[i]); err != nil {
			return i, false, err
		}
	}
	if last > *cursor {
		*cursor = last
	}
	return len(events), more && len(events) > 0, nil
}

func (h *StreamHandler) fail(w http.ResponseWriter, flusher http.Flusher, log *logger.Logger, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	log.Warn("event stream failed", zap.Error(err))
	sendSSEEvent(w, flusher, "error", &ErrorEvent{
		Code:    "read_error",
		Message: "failed to read thread events",
	})
}

func (h *StreamHandler) threadKind(ctx context.Context, id string) (model.ThreadKind, error) {
	if _, err := h.store.GetConversation(ctx, id); err == nil {
		return model.KindConversation, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if _, err := h.store.GetGroup(ctx, id); err != nil {
		return "", err
	}
	return model.KindGroup, nil
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
