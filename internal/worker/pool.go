// Package worker contains the async execution machinery: the dispatcher
// that feeds pending tasks into the queue, the pool that claims and runs
// them, and the supervisor that reclaims leases from crashed workers.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/queue"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/task"
)

// DefaultConcurrency is the per-process worker slot count.
const DefaultConcurrency = 2

// dequeueWait bounds each blocking queue poll so shutdown is observed
// promptly.
const dequeueWait = time.Second

// drainTimeout is how long a stopping pool waits for in-flight tasks before
// cancelling them cooperatively.
const drainTimeout = 30 * time.Second

// Pool claims queued tasks and drives them through the Runner. One Pool per
// process; concurrency is a semaphore over its handler goroutines.
type Pool struct {
	workerID    string
	tasks       store.TaskRepository
	queue       queue.Queue
	runner      *executor.Runner
	taskTimeout time.Duration
	logger      *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool wires a worker pool. Non-positive concurrency selects the default.
func NewPool(tasks store.TaskRepository, q queue.Queue, runner *executor.Runner, concurrency int, taskTimeout time.Duration, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if taskTimeout <= 0 {
		taskTimeout = executor.DefaultAsyncTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workerID:    "worker-" + uuid.NewString()[:8],
		tasks:       tasks,
		queue:       q,
		runner:      runner,
		taskTimeout: taskTimeout,
		logger:      logger,
		sem:         semaphore.NewWeighted(int64(concurrency)),
	}
}

// WorkerID returns the pool's lease identity.
func (p *Pool) WorkerID() string { return p.workerID }

// Run consumes the queue until ctx is cancelled, then refuses new claims and
// drains in-flight tasks. In-flight work gets drainTimeout to finish before
// its contexts are cancelled cooperatively.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "workerId", p.workerID)

	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	for {
		if err := ctx.Err(); err != nil {
			break
		}

		taskID, err := p.queue.Dequeue(ctx, dequeueWait)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				break
			}
			p.logger.Warn("dequeue failed", "error", err)
			continue
		}
		if taskID == "" {
			continue
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			// Shutting down: the ID stays in the store as pending and is
			// re-dispatched later.
			break
		}
		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.handle(runCtx, id)
		}(taskID)
	}

	p.logger.Info("worker pool draining", "workerId", p.workerID)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		p.logger.Warn("drain timeout reached, cancelling in-flight tasks", "workerId", p.workerID)
		cancelRuns()
		<-done
	}
	p.logger.Info("worker pool stopped", "workerId", p.workerID)
	return nil
}

// handle claims and executes one dequeued task. A lost claim race or a task
// that is no longer pending is a silent skip: some other worker owns it.
func (p *Pool) handle(ctx context.Context, taskID string) {
	t, err := p.tasks.FindByID(ctx, taskID)
	if err != nil {
		if !errors.Is(err, task.ErrNotFound) {
			p.logger.Warn("failed to read dequeued task", "taskId", taskID, "error", err)
		}
		return
	}
	if t.Status != task.StatusPending {
		return
	}

	claimed, err := p.tasks.ClaimTask(ctx, taskID, p.workerID, t.Version)
	if err != nil {
		if isConflict(err) {
			return
		}
		p.logger.Warn("claim failed", "taskId", taskID, "error", err)
		return
	}

	// A task that already has a checkpoint was reclaimed after a crash:
	// resume from where it left off instead of starting over.
	resume := len(claimed.StateSnapshot) > 0
	p.logger.Info("task claimed",
		"taskId", taskID, "workerId", p.workerID, "resume", resume)

	p.runner.Execute(ctx, claimed, resume, p.taskTimeout)
}

func isConflict(err error) bool {
	return errors.Is(err, task.ErrVersionConflict) ||
		task.KindOf(err) == task.KindVersionConflict
}
