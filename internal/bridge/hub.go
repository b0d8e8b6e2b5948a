package bridge

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Hub tracks the live bridges of the server.
type Hub struct {
	mu      sync.RWMutex
	bridges map[string]*Bridge
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{bridges: make(map[string]*Bridge)}
}

// Add registers b under its connection ID.
func (h *Hub) Add(b *Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridges[b.ConnID()] = b
}

// Remove forgets the bridge with connID.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bridges, connID)
}

// Len returns the number of live bridges.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bridges)
}

// CloseToken closes every bridge authenticated with token and returns how
// many were closed. Used when a login session ends.
func (h *Hub) CloseToken(token string) int {
	n := 0
	for _, b := range h.snapshot() {
		if b.AuthToken() == token {
			b.CloseWith(websocket.ClosePolicyViolation, "session ended")
			n++
		}
	}
	return n
}

// CloseAll closes every bridge with a going-away status.
func (h *Hub) CloseAll() {
	for _, b := range h.snapshot() {
		b.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) snapshot() []*Bridge {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Bridge, 0, len(h.bridges))
	for _, b := range h.bridges {
		out = append(out, b)
	}
	return out
}
