package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/queue/state"
)

// QueueHandler exposes this instance's status tracker. It never reads storage.
type QueueHandler struct {
	tracker *state.Tracker
	logger  arbor.ILogger
}

// NewQueueHandler creates a queue handler
func NewQueueHandler(tracker *state.Tracker, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{
		tracker: tracker,
		logger:  logger,
	}
}

// GetQueueStatusHandler handles GET /api/queue/{id}
func (h *QueueHandler) GetQueueStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	record := h.tracker.GetStatus(PathSegment(r, "/api/queue/"))
	if record.Status == state.StatusNotFound {
		WriteJSON(w, http.StatusNotFound, record)
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

// GetQueueSnapshotHandler handles GET /api/queue
func (h *QueueHandler) GetQueueSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running":  h.tracker.RunningCount(),
		"queued":   h.tracker.QueuedCount(),
		"capacity": h.tracker.Available(),
		"jobs":     h.tracker.Snapshot(),
	})
}
