package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/guard"
	"cocktail-auth/internal/observability"
	"cocktail-auth/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // Must be less than pongWait
	maxMessageSize = 1024
	checkTimeout   = 30 * time.Second
)

// Message types
const (
	TypeIdentity = "identity"
	TypeRedirect = "redirect"
	TypeError    = "error"

	TypeNavigate = "navigate"
	TypeCheck    = "check"
)

// IdentitySource is the session the stream reports on
type IdentitySource interface {
	Broadcast() *session.Broadcast
	SilentCheck(ctx context.Context) *domain.Identity
}

// ClientMessage is sent by the UI: its current path, or a request to re-check
type ClientMessage struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

// ServerMessage carries an identity change, a redirect order or an error.
// User is null when signed out.
type ServerMessage struct {
	Type    string           `json:"type"`
	User    *domain.Identity `json:"user"`
	Path    string           `json:"path,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Client is one identity stream. It is the Navigator for its own ban guard:
// the UI reports where it is and receives redirect orders.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	source     IdentitySource
	ban        *guard.Ban
	remoteAddr string

	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool

	pathMu sync.Mutex
	path   string

	writeMu   sync.Mutex
	closed    atomic.Bool
	ctx       context.Context
	ctxCancel context.CancelFunc
}

func NewClient(ctx context.Context, hub *Hub, conn *websocket.Conn, source IdentitySource, path string) *Client {
	clientCtx, cancel := context.WithCancel(ctx)
	if path == "" {
		path = guard.HomePath
	}

	c := &Client{
		hub:        hub,
		conn:       conn,
		source:     source,
		remoteAddr: conn.RemoteAddr().String(),
		send:       make(chan []byte, 256),
		path:       path,
		ctx:        clientCtx,
		ctxCancel:  cancel,
	}
	c.ban = guard.NewBan(c)
	return c
}

// CurrentPath implements guard.Navigator
func (c *Client) CurrentPath() string {
	c.pathMu.Lock()
	defer c.pathMu.Unlock()
	return c.path
}

// Navigate implements guard.Navigator by ordering the UI to path. The path only
// moves once the order is queued, so a dropped redirect is retried on the next
// evaluation.
func (c *Client) Navigate(path string) {
	data, err := json.Marshal(ServerMessage{Type: TypeRedirect, Path: path})
	if err != nil {
		return
	}
	if c.enqueue(data) {
		c.setPath(path)
		observability.WebSocketMessagesSent.WithLabelValues(TypeRedirect).Inc()
	}
}

func (c *Client) setPath(path string) {
	c.pathMu.Lock()
	c.path = path
	c.pathMu.Unlock()
}

// Start sends the current identity, arms the ban guard and runs the pumps
func (c *Client) Start() {
	if data, err := identityMessage(c.source.Broadcast().Latest()); err == nil && c.enqueue(data) {
		observability.WebSocketMessagesSent.WithLabelValues(TypeIdentity).Inc()
	}
	c.ban.Attach(c.source.Broadcast())

	go c.WritePump()
	go c.ReadPump()
}

// enqueue queues data without blocking. It reports false when the client is
// gone or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.ban.Detach()
		c.ctxCancel()
		c.hub.Unregister(c)
		c.closeConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn("failed to set read deadline",
			slog.String("error", err.Error()),
			slog.String("remote_addr", c.remoteAddr))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket error",
					slog.String("error", err.Error()),
					slog.String("remote_addr", c.remoteAddr))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg ClientMessage) {
	switch msg.Type {
	case TypeNavigate:
		if msg.Path == "" {
			c.sendError("navigate requires a path")
			return
		}
		c.setPath(msg.Path)
		c.ban.Evaluate(c.source.Broadcast().Latest())

	case TypeCheck:
		// the outcome arrives through the hub like any other identity change
		ctx, cancel := context.WithTimeout(c.ctx, checkTimeout)
		defer cancel()
		c.source.SilentCheck(ctx)

	default:
		c.sendError("unknown message type")
	}
}

func (c *Client) sendError(message string) {
	data, err := json.Marshal(ServerMessage{Type: TypeError, Message: message})
	if err != nil {
		return
	}
	if c.enqueue(data) {
		observability.WebSocketMessagesSent.WithLabelValues(TypeError).Inc()
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				_ = c.writeMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.writeMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeMessage writes a message to the WebSocket connection in a thread-safe manner
func (c *Client) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return websocket.ErrCloseSent
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) closeConnection() {
	if c.closed.CompareAndSwap(false, true) {
		c.writeMu.Lock()
		c.conn.Close()
		c.writeMu.Unlock()
	}
}
