package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/logs"
	"github.com/ternarybob/juris/internal/models"
)

// StreamHandler pushes job log entries over Server-Sent Events
type StreamHandler struct {
	storage      interfaces.JobStorage
	logs         *logs.Service
	logger       arbor.ILogger
	pingInterval time.Duration
}

// ssePing is the heartbeat payload
type ssePing struct {
	Timestamp time.Time `json:"timestamp"`
}

// NewStreamHandler creates an SSE handler sending a ping every pingInterval
func NewStreamHandler(storage interfaces.JobStorage, logService *logs.Service, pingInterval time.Duration, logger arbor.ILogger) *StreamHandler {
	if pingInterval <= 0 {
		pingInterval = logs.DefaultFollowInterval
	}
	return &StreamHandler{
		storage:      storage,
		logs:         logService,
		logger:       logger,
		pingInterval: pingInterval,
	}
}

// resumeIndex picks the first sequence number to send. A reconnecting EventSource
// sends Last-Event-ID, the seq of the last entry it saw.
func resumeIndex(r *http.Request) int {
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if seq, err := strconv.Atoi(last); err == nil && seq >= 0 {
			return seq + 1
		}
	}
	return QueryInt(r, "from", QueryInt(r, "fromIndex", 0))
}

// StreamJobLogsHandler handles GET /api/jobs/{id}/stream
func (h *StreamHandler) StreamJobLogsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	jobID := PathSegment(r, "/api/jobs/")

	if _, err := h.storage.GetJobStatus(r.Context(), jobID); err != nil {
		WriteStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	// Streams outlive the server read and write timeouts
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug().Err(err).Msg("Failed to clear read deadline")
	}
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug().Err(err).Msg("Failed to clear write deadline")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	from := resumeIndex(r)
	h.logger.Debug().Str("job_id", jobID).Int("from", from).Msg("SSE client connected")

	result, err := h.logs.Follow(r.Context(), jobID, logs.FollowOptions{
		FromIndex: from,
		Interval:  h.pingInterval,
		OnEntry: func(entry models.LogEntry) error {
			return h.sendEvent(w, flusher, strconv.Itoa(entry.Seq), "log", entry)
		},
		OnIdle: func() error {
			return h.sendEvent(w, flusher, "", "ping", ssePing{Timestamp: time.Now()})
		},
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Warn().Err(err).Str("job_id", jobID).Msg("SSE stream ended with error")
		}
		return
	}

	if err := h.sendEvent(w, flusher, "", "status", models.StreamEnd{
		JobID:     jobID,
		Status:    result.Status,
		NextIndex: result.NextIndex,
	}); err != nil {
		return
	}

	h.logger.Debug().
		Str("job_id", jobID).
		Str("status", result.Status.String()).
		Int("next_index", result.NextIndex).
		Msg("SSE stream closed on terminal status")
}

// sendEvent writes one SSE event. An empty id leaves the client's last event id unchanged.
func (h *StreamHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, id, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal SSE event data")
		return err
	}

	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
