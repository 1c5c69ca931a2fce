package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/logs"
	"github.com/ternarybob/juris/internal/models"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the envelope for every websocket message: "log", "ping" or "status"
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler pushes job log entries over a websocket, mirroring the SSE stream
type WebSocketHandler struct {
	storage      interfaces.JobStorage
	logs         *logs.Service
	logger       arbor.ILogger
	pingInterval time.Duration
}

// NewWebSocketHandler creates a websocket log handler
func NewWebSocketHandler(storage interfaces.JobStorage, logService *logs.Service, pingInterval time.Duration, logger arbor.ILogger) *WebSocketHandler {
	if pingInterval <= 0 {
		pingInterval = logs.DefaultFollowInterval
	}
	return &WebSocketHandler{
		storage:      storage,
		logs:         logService,
		logger:       logger,
		pingInterval: pingInterval,
	}
}

// HandleJobWebSocket handles GET /api/jobs/{id}/ws
func (h *WebSocketHandler) HandleJobWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := PathSegment(r, "/api/jobs/")
	if _, err := h.storage.GetJobStatus(r.Context(), jobID); err != nil {
		WriteStoreError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read loop: the client sends nothing we act on, but reading surfaces the close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug().Err(err).Str("job_id", jobID).Msg("WebSocket read error")
				}
				return
			}
		}
	}()

	send := func(msgType string, payload interface{}) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(WSMessage{Type: msgType, Payload: payload})
	}

	from := QueryInt(r, "from", QueryInt(r, "fromIndex", 0))
	h.logger.Debug().Str("job_id", jobID).Int("from", from).Msg("WebSocket client connected")

	result, err := h.logs.Follow(ctx, jobID, logs.FollowOptions{
		FromIndex: from,
		Interval:  h.pingInterval,
		OnEntry: func(entry models.LogEntry) error {
			return send("log", entry)
		},
		OnIdle: func() error {
			return send("ping", ssePing{Timestamp: time.Now()})
		},
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Warn().Err(err).Str("job_id", jobID).Msg("WebSocket stream ended with error")
		}
		return
	}

	if err := send("status", models.StreamEnd{JobID: jobID, Status: result.Status, NextIndex: result.NextIndex}); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(result.Status)),
		time.Now().Add(wsWriteWait))
}
