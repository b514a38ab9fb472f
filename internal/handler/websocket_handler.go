package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	ws "cocktail-auth/internal/websocket"
)

// IdentityStreamHandler upgrades /ws/identity connections
type IdentityStreamHandler struct {
	hub      *ws.Hub
	source   ws.IdentitySource
	upgrader websocket.Upgrader
}

// NewIdentityStreamHandler accepts connections without an Origin header (local
// tools) or from one of allowedOrigins.
func NewIdentityStreamHandler(hub *ws.Hub, source ws.IdentitySource, allowedOrigins []string) *IdentityStreamHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return &IdentityStreamHandler{
		hub:    hub,
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
}

// ServeHTTP upgrades the connection. The optional path query parameter is
// the page the UI is showing.
func (h *IdentityStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	// the request context ends when ServeHTTP returns
	client := ws.NewClient(context.WithoutCancel(r.Context()), h.hub, conn, h.source, r.URL.Query().Get("path"))
	h.hub.Register(client)
	client.Start()
}
