package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

// ErrSlowConsumer is returned by Send when the client's queue is full.
var ErrSlowConsumer = errors.New("ws: subscriber send queue full")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("ws: subscriber closed")

// Client represents a websocket client connection. Sends are queued and
// written by a dedicated goroutine so a slow peer never blocks publishers.
type Client struct {
	conn  *websocket.Conn
	log   *slog.Logger
	send  chan []byte
	done  chan struct{}
	close sync.Once
}

// NewClient constructs a client wrapper and starts its write pump. buffer
// bounds the number of queued messages.
func NewClient(conn *websocket.Conn, logger *slog.Logger, buffer int) *Client {
	if buffer <= 0 {
		buffer = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn: conn,
		log:  logger,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send queues a message for delivery.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSlowConsumer
	}
}

// Close terminates the connection.
func (c *Client) Close() {
	c.close.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

type controlMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// ReadLoop processes subscribe/unsubscribe control frames until the peer
// disconnects, then removes the client from hub and closes it.
func (c *Client) ReadLoop(hub *Hub) {
	defer func() {
		hub.Remove(c)
		c.Close()
	}()
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("ignoring malformed control frame", "error", err)
			continue
		}
		channel := strings.TrimSpace(msg.Channel)
		if channel == "" {
			continue
		}
		switch msg.Action {
		case "subscribe":
			hub.Subscribe(c, channel)
		case "unsubscribe":
			hub.Unsubscribe(c, channel)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
