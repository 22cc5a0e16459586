// Package live pushes dashboard updates to browsers over websockets.
package live

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	MessageTypeUpdate     = "update"
	MessageTypeConnection = "connection"
	MessageTypeAlert      = "alert"
	MessageTypePing       = "ping"
	MessageTypePong       = "pong"
)

// Message is the envelope sent to every client.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub tracks connected clients and fans broadcasts out to them.
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]struct{}
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu    sync.RWMutex
	count int
}

// NewHub creates a hub; call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			h.logger.Info("websocket hub stopped")
			return ctx.Err()
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setCount()
			h.logger.Debug("websocket client connected", zap.Int("total_clients", len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
				h.logger.Debug("websocket client disconnected", zap.Int("total_clients", len(h.clients)))
			}
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// Broadcast queues msg for all clients. It never blocks; when the queue is
// full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("websocket broadcast queue full, dropping message", zap.String("type", msg.Type))
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// fanOut delivers in client id order; slow clients are dropped.
func (h *Hub) fanOut(msg Message) {
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("websocket client too slow, disconnecting", zap.Uint64("client_id", c.id))
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.setCount()
}

func (h *Hub) setCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
}
