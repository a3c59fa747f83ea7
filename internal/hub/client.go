package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 64
)

// Client is one WebSocket connection attached to a session room.
type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	sessionID string
	userID    string

	mu     sync.Mutex
	send   chan Envelope
	closed bool

	onPong func()
}

func NewClient(conn *websocket.Conn, h *Hub, sessionID, userID string) *Client {
	return &Client{
		conn:      conn,
		hub:       h,
		sessionID: sessionID,
		userID:    userID,
		send:      make(chan Envelope, sendQueueSize),
	}
}

func (c *Client) SessionID() string { return c.sessionID }
func (c *Client) UserID() string    { return c.userID }

// OnPong registers fn to run on the read goroutine whenever the peer answers
// a ping. Set it before ReadPump starts.
func (c *Client) OnPong(fn func()) {
	c.onPong = fn
}

// Send enqueues env without blocking. It reports false when the queue is
// full or the client is gone.
func (c *Client) Send(env Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WritePump drains the send queue to the socket and keeps the connection
// alive with pings. It returns when the queue is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
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

// ReadPump decodes inbound frames and hands them to handle until the peer
// disconnects. The caller unregisters the client afterwards.
func (c *Client) ReadPump(ctx context.Context, handle func(ctx context.Context, c *Client, msg Inbound)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.onPong != nil {
			c.onPong()
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg Inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read failed",
					zap.String("session_id", c.sessionID),
					zap.String("user_id", c.userID),
					zap.Error(err),
				)
			}
			return
		}
		handle(ctx, c, msg)
	}
}
