package queue

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity bounds the in-process queue.
const DefaultCapacity = 1024

// Memory is the in-process Queue backend: a bounded FIFO channel with a
// dedupe set.
type Memory struct {
	mu     sync.Mutex
	queued map[string]struct{}
	ch     chan string
	closed bool
}

// NewMemory creates an in-process queue. A non-positive capacity selects the
// default.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		queued: make(map[string]struct{}),
		ch:     make(chan string, capacity),
	}
}

// Enqueue implements Queue.
func (m *Memory) Enqueue(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.queued[taskID]; ok {
		return nil
	}

	select {
	case m.ch <- taskID:
		m.queued[taskID] = struct{}{}
		return nil
	default:
		return ErrFull
	}
}

// Dequeue implements Queue.
func (m *Memory) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id, ok := <-m.ch:
		if !ok {
			return "", ErrClosed
		}
		m.mu.Lock()
		delete(m.queued, id)
		m.mu.Unlock()
		return id, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Depth implements Queue.
func (m *Memory) Depth(context.Context) (int64, error) {
	return int64(len(m.ch)), nil
}

// Close implements Queue. Queued IDs still drain; further enqueues fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}
