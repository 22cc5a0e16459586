package live

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var clientIDCounter atomic.Uint64

// Client is one websocket connection owned by the hub.
type Client struct {
	id     uint64
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	// pong is never closed; send is closed by the hub.
	pong   chan struct{}
	logger *zap.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler upgrades requests and registers the connection with the hub. The
// optional greeting builds the messages sent before any broadcast, typically
// the current overview.
func Handler(h *Hub, greeting func(*http.Request) []Message) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		c := &Client{
			id:     clientIDCounter.Add(1),
			hub:    h,
			conn:   conn,
			send:   make(chan Message, 64),
			pong:   make(chan struct{}, 1),
			logger: h.logger,
		}
		if greeting != nil {
			for _, msg := range greeting(r) {
				c.send <- msg
			}
		}
		select {
		case h.register <- c:
		case <-h.done:
			_ = conn.Close()
			return
		case <-r.Context().Done():
			_ = conn.Close()
			return
		}
		go c.writePump()
		go c.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if msg.Type == MessageTypePing {
			select {
			case c.pong <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.pong:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(Message{Type: MessageTypePong}); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
