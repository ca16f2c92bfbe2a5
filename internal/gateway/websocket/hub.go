// Package websocket is the live half of the gateway: one socket multiplexes
// any number of sessions. Inbound frames are dispatched by type; outbound
// traffic is the durable event feed of every session the socket subscribed
// to, serialized flat.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
)

// Hub tracks connected clients so shutdown can tear them down together.
// Event fan-out does not pass through the hub: each client drains its own
// per-session feeds into its send channel.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	log     *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		log:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run blocks until ctx ends, then closes every remaining client.
// Registration is a direct map update, so this is the hub's only goroutine.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("WebSocket hub started")
	<-ctx.Done()
	h.log.Info("WebSocket hub stopping", zap.Int("clients", h.ClientCount()))

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("Client registered", zap.String("client_id", c.ID))
}

// Unregister removes a client and tears down its feeds. A client the hub
// no longer tracks is left alone; shutdown already closed it.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if known {
		c.close()
		h.log.Debug("Client unregistered", zap.String("client_id", c.ID))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
