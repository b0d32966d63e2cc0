package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ksred/tradegate/internal/audit"
	"github.com/rs/zerolog/log"
)

// EventMessage is the wire envelope for streamed audit events.
type EventMessage struct {
	Type string      `json:"type"`
	Data audit.Event `json:"data"`
}

// Hub fans audit events out to connected websocket clients. Operators
// watch the enforcement stream live instead of polling the audit
// endpoint.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex
}

// NewHub creates a hub with no clients.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run processes registrations and broadcasts until the context is
// cancelled. Run in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Debug().Int("clients", count).Msg("websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Debug().Int("clients", count).Msg("websocket client disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			// Slow clients are dropped rather than allowed to block
			// the broadcast path.
			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
				log.Warn().Int("removed", len(toRemove)).Msg("dropped slow websocket clients")
			}
		}
	}
}

// PublishEvent implements the audit sink contract: it serializes the
// event and queues it for every connected client.
func (h *Hub) PublishEvent(e audit.Event) {
	data, err := json.Marshal(EventMessage{Type: "audit_event", Data: e})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal audit event for stream")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		// The broadcast queue is full; the audit trail in the
		// database remains authoritative.
		log.Warn().Msg("websocket broadcast queue full, dropping event")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
