package websocket

import (
	"context"
	"encoding/json"
	"log/slog"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/observability"
	"cocktail-auth/internal/session"
)

// Hub fans identity changes out to every connected stream
type Hub struct {
	clients map[*Client]struct{}

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	// Shutdown signal
	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Attach forwards every identity published on b to the connected clients.
// The returned function stops forwarding.
func (h *Hub) Attach(b *session.Broadcast) func() {
	return b.Subscribe(func(identity *domain.Identity) {
		data, err := identityMessage(identity)
		if err != nil {
			slog.Error("failed to marshal identity message", slog.String("error", err.Error()))
			return
		}
		h.Broadcast(data)
	})
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			slog.Info("hub shutting down gracefully")
			return ctx.Err()

		case client := <-h.register:
			h.clients[client] = struct{}{}
			observability.WebSocketConnectionsActive.Inc()
			slog.Info("identity stream connected", slog.String("remote_addr", client.remoteAddr))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				observability.WebSocketConnectionsActive.Dec()
				slog.Info("identity stream disconnected", slog.String("remote_addr", client.remoteAddr))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if !client.enqueue(message) {
					// slow consumer; its write pump closes the socket
					delete(h.clients, client)
					client.closeSend()
					observability.WebSocketConnectionsActive.Dec()
					continue
				}
				observability.WebSocketMessagesSent.WithLabelValues(TypeIdentity).Inc()
			}
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)

	for client := range h.clients {
		client.closeSend()
		observability.WebSocketConnectionsActive.Dec()
	}
	h.clients = nil

	slog.Info("hub shutdown complete")
}

// Broadcast queues message for every client. It is dropped once the hub stopped.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func identityMessage(identity *domain.Identity) ([]byte, error) {
	return json.Marshal(ServerMessage{Type: TypeIdentity, User: identity})
}
