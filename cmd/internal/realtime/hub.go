package realtime

import (
	"context"
	"errors"
	"sync"
)

var errSendQueueFull = errors.New("realtime: send queue full")

// Hub tracks sockets held by this process and doubles as the in-process Transport.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register makes c reachable by its ConnectionID.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ConnectionID] = c
	h.mu.Unlock()
}

// Unregister removes c only if it is still the registered client for its id.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.ConnectionID]; ok && cur == c {
		delete(h.clients, c.ConnectionID)
	}
	h.mu.Unlock()
}

// Len reports the number of registered sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PostToConnection enqueues data without blocking. Unknown or closing
// connections are gone; a full queue is a transient failure.
func (h *Hub) PostToConnection(ctx context.Context, connectionID string, data []byte) error {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrGone
	}

	select {
	case <-c.Done():
		return ErrGone
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.Done():
		return ErrGone
	case c.Send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}
