// Package queue provides the async dispatch queue between the API and the
// worker pool. Two backends: an in-process channel queue for single-node
// deployments and tests, and a Redis list for multi-node deployments.
//
// The queue carries task IDs only; the task record in the store remains the
// source of truth. Enqueueing an ID that is already queued is a no-op, which
// lets the dispatcher re-scan pending tasks without producing duplicates.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrFull is returned by a bounded queue that cannot accept another ID.
var ErrFull = errors.New("queue is full")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue is closed")

// Queue is the dispatch queue contract.
type Queue interface {
	// Enqueue adds a task ID. Duplicate IDs are ignored.
	Enqueue(ctx context.Context, taskID string) error

	// Dequeue pops the oldest task ID, blocking up to timeout. Returns
	// ("", nil) when the wait expires with nothing available.
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)

	// Depth returns the number of queued task IDs.
	Depth(ctx context.Context) (int64, error)

	// Close releases the queue's resources.
	Close() error
}
