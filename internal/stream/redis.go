package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/peep/internal/domain"
)

const payloadField = "payload"

// RedisConfig configures a consumer group reader.
type RedisConfig struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
	// ClaimIdle is how long another consumer's entry must sit unacknowledged
	// before this consumer takes it over. Zero disables reclaiming.
	ClaimIdle time.Duration
	// ReplayPending re-reads this consumer's own unacknowledged entries once
	// before consuming new ones, which recovers work after a crash.
	ReplayPending bool
}

// RedisConsumer consumes a Redis stream through a consumer group.
type RedisConsumer struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger

	mu          sync.Mutex
	groupReady  bool
	pendingDone bool
	claimCursor string
}

var _ Consumer = (*RedisConsumer)(nil)

// NewRedisConsumer builds a consumer. The group is created lazily on first Receive.
func NewRedisConsumer(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisConsumer{
		client:      client,
		cfg:         cfg,
		logger:      logger.With("component", "stream", "stream", cfg.Stream, "group", cfg.Group),
		pendingDone: !cfg.ReplayPending,
		claimCursor: "0-0",
	}
}

// Receive returns the next batch. Broker failures are wrapped in
// domain.ErrUpstreamUnavailable.
func (c *RedisConsumer) Receive(ctx context.Context) ([]Message, error) {
	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	replay := !c.pendingDone
	c.mu.Unlock()
	if replay {
		msgs, err := c.read(ctx, "0", -1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			c.logger.Info("replaying pending stream entries", "count", len(msgs))
			return msgs, nil
		}
		c.mu.Lock()
		c.pendingDone = true
		c.mu.Unlock()
	}

	if c.cfg.ClaimIdle > 0 {
		msgs, err := c.claim(ctx)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}

	return c.read(ctx, ">", c.cfg.Block)
}

// Commit acknowledges the message in the consumer group.
func (c *RedisConsumer) Commit(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w: %v", msg.ID, domain.ErrUpstreamUnavailable, err)
	}
	return nil
}

// Heartbeat re-claims the listed entries for this consumer, resetting their
// idle time so peers do not take them over during a slow batch. Pending
// entries not listed keep aging and are reclaimed by XAUTOCLAIM.
func (c *RedisConsumer) Heartbeat(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := c.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  0,
		Messages: ids,
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("heartbeat: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (c *RedisConsumer) Close() error {
	return c.client.Close()
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	c.mu.Lock()
	ready := c.groupReady
	c.mu.Unlock()
	if ready {
		return nil
	}
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	c.mu.Lock()
	c.groupReady = true
	c.mu.Unlock()
	c.logger.Info("stream consumer group ready", "consumer", c.cfg.Consumer)
	return nil
}

func (c *RedisConsumer) read(ctx context.Context, start string, block time.Duration) ([]Message, error) {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, start},
		Count:    c.cfg.BatchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			c.mu.Lock()
			c.groupReady = false
			c.mu.Unlock()
		}
		return nil, fmt.Errorf("read stream: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	var msgs []Message
	for _, s := range res {
		msgs = append(msgs, toMessages(s.Messages)...)
	}
	return msgs, nil
}

func (c *RedisConsumer) claim(ctx context.Context) ([]Message, error) {
	c.mu.Lock()
	cursor := c.claimCursor
	c.mu.Unlock()
	entries, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.ClaimIdle,
		Start:    cursor,
		Count:    c.cfg.BatchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim stale entries: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	c.mu.Lock()
	c.claimCursor = next
	c.mu.Unlock()
	if len(entries) > 0 {
		c.logger.Info("claimed stale stream entries", "count", len(entries))
	}
	return toMessages(entries), nil
}

func toMessages(entries []redis.XMessage) []Message {
	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		msgs = append(msgs, Message{ID: entry.ID, Payload: payloadOf(entry.Values)})
	}
	return msgs
}

func payloadOf(values map[string]any) []byte {
	switch v := values[payloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

// RedisProducer appends entries to a Redis stream.
type RedisProducer struct {
	client *redis.Client
	stream string
}

var _ Producer = (*RedisProducer)(nil)

// NewRedisProducer builds a producer for the stream.
func NewRedisProducer(client *redis.Client, stream string) *RedisProducer {
	return &RedisProducer{client: client, stream: stream}
}

// Publish appends payload as a new stream entry.
func (p *RedisProducer) Publish(ctx context.Context, payload []byte) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to stream: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	return nil
}
