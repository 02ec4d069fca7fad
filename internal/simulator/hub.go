package simulator

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Hub tracks the frame connection currently bound to each chat key.
type Hub struct {
	mu     sync.RWMutex
	active map[string]*frameConn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]*frameConn)}
}

// Get returns the connection bound to chatKey, or nil.
func (h *Hub) Get(chatKey string) *frameConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active[chatKey]
}

// Register binds fc to chatKey. A different connection already bound to
// the chat is closed.
func (h *Hub) Register(chatKey string, fc *frameConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.active[chatKey]; ok && existing != fc {
		_ = existing.ws.Close(websocket.StatusNormalClosure, "chat replaced")
	}
	h.active[chatKey] = fc
	slog.Debug("Frame bound to chat", "chat_key", chatKey, "conn", fc.id)
}

// Unregister drops every binding held by fc.
func (h *Hub) Unregister(fc *frameConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, current := range h.active {
		if current == fc {
			delete(h.active, key)
			slog.Debug("Frame unbound from chat", "chat_key", key, "conn", fc.id)
		}
	}
}

// Push sends a push to the connection bound to chatKey. It reports whether
// a connection was found.
func (h *Hub) Push(chatKey, method string, params any) bool {
	fc := h.Get(chatKey)
	if fc == nil {
		return false
	}
	if err := fc.push(method, params); err != nil {
		slog.Debug("Failed to push to chat", "chat_key", chatKey, "method", method, "error", err)
		return false
	}
	return true
}

// CloseAll closes every bound connection.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, fc := range h.active {
		_ = fc.ws.Close(websocket.StatusGoingAway, reason)
		delete(h.active, key)
	}
}

// Count returns the number of bound chats.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}
