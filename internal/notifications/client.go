package notifications

import (
	"log/slog"
	"sync"
	"time"

	"parley/internal/middleware"
	"parley/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// pingPeriod must stay below pongWait.
	pingPeriod = pongWait * 9 / 10

	maxFrameSize   = 16 << 10
	sendBufferSize = 256
)

// dropNotice tells a slow client that frames were lost and it should re-fetch.
var dropNotice = []byte(`{"type":"messages_dropped","payload":{"reason":"buffer_full"}}`)

// Client owns one live WebSocket. Frames queued with TrySend are written by
// WritePump; inbound frames are handed to IncomingHandler by ReadPump.
type Client struct {
	Conn *websocket.Conn

	UserID    string
	SessionID string

	IncomingHandler func(*Client, []byte)
	// OnClose runs once when the read side ends.
	OnClose func(*Client)

	send   chan []byte
	mu     sync.RWMutex
	closed bool
}

func NewClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		Conn:   conn,
		UserID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
}

// ReadPump reads until the peer goes away or stops answering pings.
func (c *Client) ReadPump() {
	defer func() {
		if c.OnClose != nil {
			c.OnClose(c)
		}
		c.Close()
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxFrameSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				middleware.Logger.Warn("websocket read failed",
					slog.String("user_id", c.UserID),
					slog.String("session_id", c.SessionID),
					slog.String("error", err.Error()))
			}
			return
		}
		if kind != websocket.TextMessage || c.IncomingHandler == nil {
			continue
		}
		c.IncomingHandler(c, frame)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
// It returns after the queue is closed or a write fails.
func (c *Client) WritePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues frame without blocking. It reports false when the client is
// closed or its queue is full. The last queue slot is reserved for a single
// drop notice.
func (c *Client) TrySend(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		observability.WebSocketBackpressureDrops.WithLabelValues("session", "closed").Inc()
		return false
	}

	if len(c.send) < cap(c.send)-1 {
		select {
		case c.send <- frame:
			return true
		default:
		}
	}

	observability.WebSocketBackpressureDrops.WithLabelValues("session", "full").Inc()
	middleware.Logger.Warn("send queue full, frame dropped",
		slog.String("user_id", c.UserID), slog.String("session_id", c.SessionID))
	select {
	case c.send <- dropNotice:
	default:
	}
	return false
}

// Close ends the send queue, after which WritePump sends a close frame.
// It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
