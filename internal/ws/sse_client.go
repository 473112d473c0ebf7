package ws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient streams Server-Sent Events over an HTTP response writer. Send only
// queues; Serve owns the writer, so a stalled peer never blocks publishers.
type SSEClient struct {
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	send    chan []byte
	done    chan struct{}
	close   sync.Once
}

// NewSSEClient builds an SSE client. buffer bounds the number of queued events.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger, buffer int) *SSEClient {
	if buffer <= 0 {
		buffer = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{
		writer:  writer,
		flusher: flusher,
		log:     logger,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
}

// Send queues a data event.
func (c *SSEClient) Send(payload []byte) error {
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

// Close stops the stream. Serve returns once it notices.
func (c *SSEClient) Close() {
	c.close.Do(func() { close(c.done) })
}

// Serve writes queued events and a heartbeat comment every interval until ctx
// ends, the client is closed, or a write fails. It must run on the handler
// goroutine that owns the response writer. The client is removed from hub on
// return.
func (c *SSEClient) Serve(ctx context.Context, hub *Hub, interval time.Duration) {
	defer func() {
		hub.Remove(c)
		c.Close()
	}()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.write("data: %s\n\n", payload); err != nil {
				c.log.Warn("sse send failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.write(": ping\n\n"); err != nil {
				c.log.Warn("sse heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (c *SSEClient) write(format string, args ...any) error {
	if _, err := fmt.Fprintf(c.writer, format, args...); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}
