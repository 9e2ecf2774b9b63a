package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/queue"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/task"
)

const (
	// DefaultDispatchInterval paces the pending-task scan.
	DefaultDispatchInterval = 2 * time.Second

	// DefaultDispatchBatch bounds tasks enqueued per tick.
	DefaultDispatchBatch = 50
)

// Dispatcher periodically scans the store for pending async tasks and feeds
// their IDs into the queue. The queue dedupes, so re-scanning tasks that are
// already queued is harmless, and a task the workers failed to claim (lost
// race, restart) is simply picked up again on a later tick.
type Dispatcher struct {
	tasks    store.TaskRepository
	queue    queue.Queue
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher. Non-positive interval and batch select
// the defaults.
func NewDispatcher(tasks store.TaskRepository, q queue.Queue, interval time.Duration, batch int, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = DefaultDispatchInterval
	}
	if batch <= 0 {
		batch = DefaultDispatchBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{tasks: tasks, queue: q, interval: interval, batch: batch, logger: logger}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	pending, err := d.tasks.GetPendingTasks(ctx, d.batch)
	if err != nil {
		d.logger.Warn("pending scan failed", "error", err)
		return
	}

	enqueued := 0
	for _, t := range pending {
		if t.Mode != task.ModeAsync {
			continue
		}
		if err := d.queue.Enqueue(ctx, t.ID); err != nil {
			d.logger.Warn("enqueue failed", "taskId", t.ID, "error", err)
			continue
		}
		enqueued++
	}

	if depth, err := d.queue.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	if enqueued > 0 {
		d.logger.Debug("dispatched pending tasks", "count", enqueued)
	}
}
