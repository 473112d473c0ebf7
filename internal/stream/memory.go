package stream

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process stream used for single-node development and tests.
// Uncommitted messages are redelivered after Redeliver elapses.
type Memory struct {
	mu        sync.Mutex
	seq       uint64
	queue     []Message
	inflight  map[string]inflightEntry
	committed []string
	notify    chan struct{}
	closed    bool

	// Block bounds how long Receive waits for new messages.
	Block time.Duration
	// Redeliver is the visibility timeout for uncommitted messages. Zero
	// disables redelivery.
	Redeliver time.Duration
	// BatchSize caps the number of messages per Receive.
	BatchSize int

	heartbeats int
	now        func() time.Time
}

type inflightEntry struct {
	msg       Message
	deliverAt time.Time
}

var (
	_ Consumer = (*Memory)(nil)
	_ Producer = (*Memory)(nil)
)

// NewMemory returns an empty in-memory stream.
func NewMemory() *Memory {
	return &Memory{
		inflight:  make(map[string]inflightEntry),
		notify:    make(chan struct{}, 1),
		Block:     time.Second,
		BatchSize: 64,
		now:       time.Now,
	}
}

// Publish enqueues payload.
func (m *Memory) Publish(_ context.Context, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("memory stream closed")
	}
	m.seq++
	m.queue = append(m.queue, Message{ID: fmt.Sprintf("%d-0", m.seq), Payload: append([]byte(nil), payload...)})
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns queued or expired in-flight messages.
func (m *Memory) Receive(ctx context.Context) ([]Message, error) {
	if msgs := m.take(); len(msgs) > 0 {
		return msgs, nil
	}
	timer := time.NewTimer(m.Block)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	case <-m.notify:
	}
	return m.take(), nil
}

func (m *Memory) take() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := m.BatchSize
	if limit <= 0 {
		limit = 64
	}
	now := m.now()
	var msgs []Message
	if m.Redeliver > 0 {
		for id, entry := range m.inflight {
			if len(msgs) >= limit {
				break
			}
			if now.After(entry.deliverAt) {
				msgs = append(msgs, entry.msg)
				m.inflight[id] = inflightEntry{msg: entry.msg, deliverAt: now.Add(m.Redeliver)}
			}
		}
	}
	for len(m.queue) > 0 && len(msgs) < limit {
		msg := m.queue[0]
		m.queue = m.queue[1:]
		m.inflight[msg.ID] = inflightEntry{msg: msg, deliverAt: now.Add(m.Redeliver)}
		msgs = append(msgs, msg)
	}
	return msgs
}

// Commit removes msg from the in-flight set.
func (m *Memory) Commit(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, msg.ID)
	m.committed = append(m.committed, msg.ID)
	return nil
}

// Heartbeat extends the visibility timeout of the listed in-flight messages.
func (m *Memory) Heartbeat(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats++
	deadline := m.now().Add(m.Redeliver)
	for _, id := range ids {
		if entry, ok := m.inflight[id]; ok {
			entry.deliverAt = deadline
			m.inflight[id] = entry
		}
	}
	return nil
}

// Close stops accepting new messages.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Committed returns the IDs acknowledged so far, in commit order.
func (m *Memory) Committed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.committed...)
}

// Pending reports how many delivered messages have not been committed.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Heartbeats reports how many heartbeats were received.
func (m *Memory) Heartbeats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeats
}
