package executor

import (
	"context"
	"time"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/task"
)

// Sync runs tasks inline in the API request: the caller blocks until the
// workflow reaches a terminal state.
type Sync struct {
	tasks   store.TaskRepository
	runner  *Runner
	timeout time.Duration
}

// NewSync creates the synchronous executor. A non-positive timeout selects
// the default sync wall clock.
func NewSync(tasks store.TaskRepository, runner *Runner, timeout time.Duration) *Sync {
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}
	return &Sync{tasks: tasks, runner: runner, timeout: timeout}
}

// Execute flips the pending task to running under its version and drives it
// to a terminal state. A lost race on the transition (another executor got
// there first) surfaces as the conflict error.
func (s *Sync) Execute(ctx context.Context, t *task.Task) (*ExecutionResult, error) {
	running, err := s.tasks.UpdateStatus(ctx, t.ID, task.StatusRunning, t.Version)
	if err != nil {
		return nil, err
	}
	return s.runner.Execute(ctx, running, false, s.timeout), nil
}

// Retry re-executes a failed task from scratch: the task returns to pending
// and then immediately to running, and the workflow starts fresh.
func (s *Sync) Retry(ctx context.Context, t *task.Task) (*ExecutionResult, error) {
	if t.Status != task.StatusFailed {
		return nil, task.NewError(task.KindValidation, "only failed tasks can be retried")
	}

	pending, err := s.tasks.UpdateStatus(ctx, t.ID, task.StatusPending, t.Version)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, pending)
}
