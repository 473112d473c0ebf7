// Package stream defines the at-least-once log event stream contract and its
// Redis Streams and in-memory implementations.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one undecoded stream entry.
type Message struct {
	ID      string
	Payload []byte
}

// Consumer reads batches of messages from a consumer group. Messages may be
// redelivered until committed.
type Consumer interface {
	// Receive blocks until messages are available, the broker's block window
	// elapses (empty batch), or ctx is done.
	Receive(ctx context.Context) ([]Message, error)
	// Commit acknowledges a processed message.
	Commit(ctx context.Context, msg Message) error
	// Heartbeat tells the broker that the listed messages are still being
	// worked on. Uncommitted messages left out become eligible for redelivery
	// once their visibility window lapses.
	Heartbeat(ctx context.Context, ids []string) error
	Close() error
}

// Producer appends messages to the stream.
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
}

// LogEvent is the wire payload emitted by a running build.
type LogEvent struct {
	ProjectID    string `json:"projectId"`
	DeploymentID string `json:"deploymentId"`
	Log          string `json:"log"`
	// Status is an optional explicit terminal signal (READY or FAIL).
	Status string `json:"status,omitempty"`
}

// Decode parses a message payload into a LogEvent.
func Decode(payload []byte) (LogEvent, error) {
	var event LogEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return LogEvent{}, fmt.Errorf("decode log event: %w", err)
	}
	event.DeploymentID = strings.TrimSpace(event.DeploymentID)
	if event.DeploymentID == "" {
		return LogEvent{}, fmt.Errorf("decode log event: deploymentId required")
	}
	return event, nil
}

// Encode serialises a LogEvent for Publish.
func Encode(event LogEvent) ([]byte, error) {
	return json.Marshal(event)
}
