// Package executor drives one task from claimed to terminal: it builds the
// workflow execution, runs the graph under the task-level timeout, persists
// the artifacts and quality reports, syncs the retry counters, performs the
// terminal status transition, and fires the webhook. The same Runner backs
// the synchronous API path and the worker pool.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/task"
	"github.com/loomworks/loom/internal/webhook"
)

// DefaultSyncTimeout is the whole-workflow wall clock for sync tasks.
const DefaultSyncTimeout = 5 * time.Minute

// DefaultAsyncTimeout is the whole-workflow wall clock for async tasks.
const DefaultAsyncTimeout = 30 * time.Minute

// webhookTimeout bounds the detached webhook delivery including retries.
const webhookTimeout = 2 * time.Minute

// ExecutionResult is what a finished run reports. Err carries the terminal
// classified error; a nil Err means the task completed.
type ExecutionResult struct {
	Task       *task.Task
	Results    []*task.Result
	Reports    []*task.QualityReport
	TokensUsed int
	Duration   time.Duration
	Err        error
}

// Runner executes claimed tasks. It assumes the caller has already moved the
// task to running (via ClaimTask or UpdateStatus); everything from there to
// the terminal state is the Runner's job, and it never lets an error escape
// as anything but a populated ExecutionResult.
type Runner struct {
	store    store.Store
	registry *registry.Registry
	notifier *webhook.Notifier
	logger   *slog.Logger
}

// NewRunner wires a Runner. The notifier may be nil (webhooks disabled).
func NewRunner(st store.Store, reg *registry.Registry, notifier *webhook.Notifier, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: st, registry: reg, notifier: notifier, logger: logger}
}

// Execute runs the task's workflow to a terminal state. resume selects
// continuing from the persisted checkpoint instead of starting fresh.
func (r *Runner) Execute(ctx context.Context, t *task.Task, resume bool, timeout time.Duration) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{Task: t}

	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	out := r.runWorkflow(ctx, t, resume, timeout)
	result.Err = out.Err
	result.TokensUsed = out.TokensUsed

	r.persistArtifacts(t, out, result)
	r.syncRetryCounters(t, out)

	updated, terr := r.finalize(t, out)
	if terr != nil {
		r.logger.Error("terminal transition failed",
			"taskId", t.ID, "error", terr)
		if result.Err == nil {
			result.Err = terr
		}
	}
	if updated != nil {
		result.Task = updated
	}

	result.Duration = time.Since(start)
	metrics.TasksTotal.WithLabelValues(t.WorkflowType, string(result.Task.Status)).Inc()

	r.notify(result.Task, result)

	r.logger.Info("task finished",
		"taskId", t.ID, "workflow", t.WorkflowType, "status", result.Task.Status,
		"duration_ms", result.Duration.Milliseconds(), "tokens", result.TokensUsed)
	return result
}

// runWorkflow builds and runs the execution under the task timeout,
// converting panics and registry failures into classified errors.
func (r *Runner) runWorkflow(ctx context.Context, t *task.Task, resume bool, timeout time.Duration) (out registry.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("workflow panicked", "taskId", t.ID, "panic", p)
			out = registry.Outcome{Err: task.NewError(task.KindInternal,
				fmt.Sprintf("workflow panicked: %v", p))}
		}
	}()

	wf, err := r.registry.Get(t.WorkflowType)
	if err != nil {
		return registry.Outcome{Err: err}
	}
	exec, err := wf.NewExecution(t)
	if err != nil {
		return registry.Outcome{Err: err}
	}

	if timeout <= 0 {
		timeout = DefaultAsyncTimeout
		if t.Mode == task.ModeSync {
			timeout = DefaultSyncTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if resume {
		return exec.Resume(runCtx)
	}
	return exec.Start(runCtx)
}

// persistArtifacts stores the run's quality reports (always) and results
// (successful runs only). Persistence failures are logged, not fatal: the
// terminal transition matters more than a lost report row.
func (r *Runner) persistArtifacts(t *task.Task, out registry.Outcome, result *ExecutionResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, rep := range out.Reports {
		if err := r.store.QualityChecks().Create(ctx, rep); err != nil {
			r.logger.Warn("failed to persist quality report",
				"taskId", t.ID, "phase", rep.Phase, "error", err)
			continue
		}
		result.Reports = append(result.Reports, rep)
	}

	if out.Err != nil {
		return
	}
	for _, res := range out.Results {
		if err := r.store.Results().Create(ctx, res); err != nil {
			r.logger.Warn("failed to persist result",
				"taskId", t.ID, "resultType", res.ResultType, "error", err)
			continue
		}
		result.Results = append(result.Results, res)
	}
}

// syncRetryCounters brings the task row's per-class counters up to the
// final state's counts.
func (r *Runner) syncRetryCounters(t *task.Task, out registry.Outcome) {
	if len(out.RetryCounts) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tasks := r.store.Tasks()
	current, err := tasks.FindByID(ctx, t.ID)
	if err != nil {
		r.logger.Warn("failed to read task for retry counter sync", "taskId", t.ID, "error", err)
		return
	}

	for class, want := range out.RetryCounts {
		for current.RetryCount(class) < want {
			updated, err := tasks.IncrementRetryCount(ctx, t.ID, class, current.Version)
			if err != nil {
				r.logger.Warn("failed to sync retry counter",
					"taskId", t.ID, "class", class, "error", err)
				return
			}
			metrics.QualityRetries.WithLabelValues(t.WorkflowType, class).Inc()
			current = updated
		}
	}
}

// finalize performs the terminal status transition with a single retry on a
// version conflict. A task that is already terminal (cancelled mid-run via
// the API) is left untouched.
func (r *Runner) finalize(t *task.Task, out registry.Outcome) (*task.Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tasks := r.store.Tasks()
	fresh, err := tasks.FindByID(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if fresh.Status.IsTerminal() {
		return fresh, nil
	}

	apply := func(version int64) (*task.Task, error) {
		switch {
		case out.Err == nil:
			return tasks.MarkAsCompleted(ctx, t.ID, version)
		case task.KindOf(out.Err) == task.KindCancelled:
			return tasks.UpdateStatus(ctx, t.ID, task.StatusCancelled, version)
		default:
			return tasks.MarkAsFailed(ctx, t.ID, out.Err.Error(), version)
		}
	}

	updated, err := apply(fresh.Version)
	if isConflict(err) {
		if fresh, err = tasks.FindByID(ctx, t.ID); err != nil {
			return nil, err
		}
		if fresh.Status.IsTerminal() {
			return fresh, nil
		}
		updated, err = apply(fresh.Version)
	}
	return updated, err
}

// notify fires the terminal webhook in the background; delivery retries must
// never block a sync response or a worker slot.
func (r *Runner) notify(t *task.Task, result *ExecutionResult) {
	if r.notifier == nil || t.Status == task.StatusCancelled {
		return
	}

	ev := task.EventCompleted
	var payload any
	var errInfo *webhook.ErrorInfo
	if t.Status == task.StatusFailed {
		ev = task.EventFailed
		errInfo = webhook.ErrorInfoFrom(result.Err)
		if errInfo == nil {
			errInfo = &webhook.ErrorInfo{Message: t.ErrorMessage, Type: string(task.KindInternal)}
		}
	} else {
		payload = completedResult(result)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()
		// Outcome already logged and counted inside the notifier.
		_ = r.notifier.Notify(ctx, t, ev, payload, errInfo)
	}()
}

// completedResult is the result block of a completed-event payload: the
// primary artifact's content, the full result rows, and the run metrics.
func completedResult(result *ExecutionResult) map[string]any {
	var content string
	if n := len(result.Results); n > 0 {
		content = result.Results[n-1].Content
	}
	return map[string]any{
		"content": content,
		"results": result.Results,
		"metrics": map[string]any{
			"tokensUsed": result.TokensUsed,
			"duration":   result.Duration.Milliseconds(),
		},
	}
}

func isConflict(err error) bool {
	return errors.Is(err, task.ErrVersionConflict) || task.KindOf(err) == task.KindVersionConflict
}
