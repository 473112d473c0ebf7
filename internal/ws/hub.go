package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Broadcaster publishes a payload to every subscriber of a channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, payload []byte) error
}

// Hub manages subscriptions keyed by channel (a deployment ID).
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[Subscriber]struct{}
	members  map[Subscriber]map[string]struct{}
	log      *slog.Logger
	metrics  *hubMetrics
}

var _ Broadcaster = (*Hub)(nil)

type ack struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		channels: make(map[string]map[Subscriber]struct{}),
		members:  make(map[Subscriber]map[string]struct{}),
		log:      logger.With("component", "hub"),
		metrics:  newHubMetrics(),
	}
}

// Subscribe adds sub to channel and acknowledges it to sub alone. Subscribing
// twice leaves a single membership but acknowledges both times.
func (h *Hub) Subscribe(sub Subscriber, channel string) {
	h.mu.Lock()
	clients, ok := h.channels[channel]
	if !ok {
		clients = make(map[Subscriber]struct{})
		h.channels[channel] = clients
	}
	if _, exists := clients[sub]; !exists {
		clients[sub] = struct{}{}
		h.metrics.subscribers.Inc()
	}
	joined, ok := h.members[sub]
	if !ok {
		joined = make(map[string]struct{})
		h.members[sub] = joined
	}
	joined[channel] = struct{}{}
	h.mu.Unlock()

	payload, _ := json.Marshal(ack{Type: "subscribed", Channel: channel})
	if err := sub.Send(payload); err != nil {
		h.drop(sub, err)
	}
}

// Unsubscribe removes sub from channel. Unknown memberships are ignored.
func (h *Hub) Unsubscribe(sub Subscriber, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(sub, channel)
}

// Remove drops every membership of sub, typically on disconnect.
func (h *Hub) Remove(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.members[sub] {
		h.unsubscribeLocked(sub, channel)
	}
	delete(h.members, sub)
}

func (h *Hub) unsubscribeLocked(sub Subscriber, channel string) {
	clients, ok := h.channels[channel]
	if !ok {
		return
	}
	if _, exists := clients[sub]; !exists {
		return
	}
	delete(clients, sub)
	h.metrics.subscribers.Dec()
	if len(clients) == 0 {
		delete(h.channels, channel)
	}
	if joined, ok := h.members[sub]; ok {
		delete(joined, channel)
		if len(joined) == 0 {
			delete(h.members, sub)
		}
	}
}

// Publish delivers payload to the channel's current subscribers and returns how
// many accepted it. Subscribers whose send fails are removed and closed.
func (h *Hub) Publish(channel string, payload []byte) int {
	h.mu.RLock()
	clients := h.channels[channel]
	snapshot := make([]Subscriber, 0, len(clients))
	for sub := range clients {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range snapshot {
		if err := sub.Send(payload); err != nil {
			h.drop(sub, err)
			continue
		}
		delivered++
	}
	h.metrics.published.Inc()
	return delivered
}

// Broadcast implements Broadcaster for single-instance deployments.
func (h *Hub) Broadcast(_ context.Context, channel string, payload []byte) error {
	h.Publish(channel, payload)
	return nil
}

// Subscribers reports the number of subscribers on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) drop(sub Subscriber, err error) {
	h.log.Warn("dropping subscriber", "error", err)
	h.metrics.dropped.Inc()
	h.Remove(sub)
	sub.Close()
}
