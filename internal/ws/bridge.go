package ws

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/peep/internal/domain"
)

// RedisBridge relays broadcasts between API instances over Redis pub/sub. Each
// instance publishes to Redis and feeds whatever it receives into its local hub.
type RedisBridge struct {
	client *redis.Client
	hub    *Hub
	prefix string
	log    *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

var _ Broadcaster = (*RedisBridge)(nil)

// NewRedisBridge builds a bridge. Run must be started for local delivery.
func NewRedisBridge(client *redis.Client, hub *Hub, prefix string, logger *slog.Logger) *RedisBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{
		client: client,
		hub:    hub,
		prefix: prefix,
		log:    logger.With("component", "fanout-bridge"),
		ready:  make(chan struct{}),
	}
}

// Broadcast publishes to Redis. When Redis is unreachable the payload is still
// delivered to local subscribers.
func (b *RedisBridge) Broadcast(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, b.prefix+channel, payload).Err(); err != nil {
		b.log.Warn("fan-out publish failed, delivering locally", "channel", channel, "error", err)
		b.hub.Publish(channel, payload)
	}
	return nil
}

// Ready is closed once the pattern subscription is confirmed.
func (b *RedisBridge) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes to every channel under the prefix and forwards messages to
// the local hub until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe fan-out: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.log.Info("fan-out bridge subscribed", "pattern", b.prefix+"*")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.hub.Publish(strings.TrimPrefix(msg.Channel, b.prefix), []byte(msg.Payload))
		}
	}
}
