package websocket

import (
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultMaxClients is the maximum number of concurrent WebSocket clients
	DefaultMaxClients = 10000
)

// Hub maintains the set of connected clients
type Hub struct {
	clients    map[*Client]struct{}
	mu         sync.RWMutex
	maxClients int
	stopped    bool
	logger     *zap.Logger
}

// NewHub creates a new Hub
func NewHub(maxClients int, logger *zap.Logger) *Hub {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxClients: maxClients,
		logger:     logger,
	}
}

// register adds a client, failing when the hub is full or stopped
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if h.stopped || len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		h.logger.Warn("max clients reached, rejecting connection",
			zap.Int("max_clients", h.maxClients))
		return false
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("client registered", zap.Int("total_clients", total))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Debug("client unregistered", zap.Int("total_clients", total))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes all client connections and rejects new ones
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopped = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.logger.Info("hub stopped", zap.Int("closed_clients", len(clients)))
}
