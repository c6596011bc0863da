package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Hub fans notifications out to WebSocket clients subscribed to a session.
// A participant's exam client and any number of proctor consoles may watch
// the same session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Register subscribes conn to a session's notifications.
func (h *Hub) Register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[sessionID]; !exists {
		h.active[sessionID] = make(map[*websocket.Conn]struct{})
	}
	h.active[sessionID][conn] = struct{}{}
	slog.Info("Notification subscriber registered", "session_id", sessionID)
}

// Unregister removes conn from a session's subscribers.
func (h *Hub) Unregister(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.active[sessionID]; ok {
		if _, exists := conns[conn]; exists {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.active, sessionID)
			}
			slog.Info("Notification subscriber unregistered", "session_id", sessionID)
		}
	}
}

// Subscribers returns the number of connections watching a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}

// Send writes n to every subscriber of its session. Connections that fail
// are closed and dropped.
func (h *Hub) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.active[n.SessionID]))
	for c := range h.active[n.SessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var errs []error
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			errs = append(errs, err)
			h.Unregister(n.SessionID, c)
			_ = c.Close(websocket.StatusGoingAway, "write failed")
		}
	}
	return errors.Join(errs...)
}

// CloseSession closes every subscriber of a session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[sessionID]
	if !ok {
		return
	}

	for conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	delete(h.active, sessionID)
	slog.Info("Notification subscribers closed", "session_id", sessionID)
}
