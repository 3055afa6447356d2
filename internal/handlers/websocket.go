package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/capto/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Single-user local service, no origin restriction
	},
}

// wsMessage is the wire shape broadcast to connected clients.
type wsMessage struct {
	Type      string                 `json:"type"`
	JobID     string                 `json:"job_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// WebSocketHandler broadcasts job lifecycle events to connected clients.
// Progress events are throttled so a fast download cannot flood the socket;
// terminal events always go out.
type WebSocketHandler struct {
	logger arbor.ILogger

	mu          sync.RWMutex
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex

	progressThrottler *rate.Limiter
}

func NewWebSocketHandler(bus interfaces.EventService, logger arbor.ILogger) (*WebSocketHandler, error) {
	h := &WebSocketHandler{
		logger:            logger,
		clients:           make(map[*websocket.Conn]bool),
		clientMutex:       make(map[*websocket.Conn]*sync.Mutex),
		progressThrottler: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	for _, et := range []interfaces.EventType{
		interfaces.EventJobStarted,
		interfaces.EventJobProgress,
		interfaces.EventJobCompleted,
		interfaces.EventJobFailed,
		interfaces.EventJobCancelled,
		interfaces.EventBatchCreated,
		interfaces.EventBatchFinished,
	} {
		if err := bus.Subscribe(et, h.handleEvent); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// HandleWebSocket upgrades the connection and keeps it registered until the
// client disconnects.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().Int("clients", count).Msg("WebSocket client connected")

	// Read loop exists only to detect disconnects; clients send nothing.
	go func() {
		defer h.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *WebSocketHandler) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	delete(h.clientMutex, conn)
	count := len(h.clients)
	h.mu.Unlock()

	conn.Close()
	h.logger.Info().Int("clients", count).Msg("WebSocket client disconnected")
}

// ClientCount reports the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) handleEvent(ctx context.Context, event interfaces.Event) error {
	msg := wsMessage{
		Type:      string(event.Type),
		Timestamp: time.Now().UTC(),
	}

	switch payload := event.Payload.(type) {
	case interfaces.JobEvent:
		if payload.Job != nil {
			msg.JobID = payload.Job.ID
		}
		msg.Data = payload.Data
	case interfaces.BatchEvent:
		if payload.Status != nil {
			msg.Data = map[string]interface{}{
				"batch_id": payload.Status.ID,
				"state":    payload.Status.State,
				"percent":  payload.Status.Percent,
			}
		}
	}

	if event.Type == interfaces.EventJobProgress && !h.progressThrottler.Allow() {
		return nil
	}

	h.broadcast(msg)
	return nil
}

func (h *WebSocketHandler) broadcast(msg wsMessage) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.mu.RLock()
		connMu := h.clientMutex[conn]
		h.mu.RUnlock()
		if connMu == nil {
			continue
		}

		connMu.Lock()
		err := conn.WriteJSON(msg)
		connMu.Unlock()

		if err != nil {
			h.logger.Debug().Err(err).Msg("WebSocket write failed, dropping client")
			h.removeClient(conn)
		}
	}
}
