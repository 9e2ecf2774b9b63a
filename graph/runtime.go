package graph

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/graph/emit"
	"github.com/loomworks/loom/internal/task"
)

// Node runtime: wraps a single node execution with precondition validation,
// per-attempt timeout, intra-node retry with backoff, error classification,
// and start/finish observation.

// executeNode drives one node to success or terminal failure.
//
// The attempt loop:
//  1. Validate preconditions; a validation error is never retried.
//  2. Execute under the per-attempt timeout (node's own, else engine
//     default). A deadline hit inside the node reports as NodeTimeout and
//     counts as one attempt.
//  3. Classify the error. Transient kinds retry after an exponential
//     backoff with jitter until the node's retry budget is spent; the
//     parent context is observed during the sleep.
//
// Returns the node's patch on success, or the last classified error.
func (e *Engine[S]) executeNode(ctx context.Context, node Node[S], step int, state S) (S, error) {
	var zero S

	if err := node.Validate(state); err != nil {
		if task.KindOf(err) != task.KindValidation {
			err = task.WrapError(task.KindValidation, "node precondition failed", err).
				WithDetail("node", node.Name())
		}
		return zero, err
	}

	timeout := node.Timeout()
	if timeout <= 0 {
		timeout = e.opts.DefaultNodeTimeout
	}

	attempts := node.Retries() + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		// The task-level context takes precedence: if it is already
		// done, stop without burning an attempt.
		if err := ctx.Err(); err != nil {
			return zero, classifyCtxErr(err)
		}

		start := time.Now()
		e.emit(emit.Event{
			TaskID: state.Base().TaskID,
			Step:   step,
			Node:   node.Name(),
			Msg:    emit.MsgNodeStart,
			Meta:   map[string]any{"attempt": attempt},
		})

		patch, err := e.runAttempt(ctx, node, timeout, state)
		duration := time.Since(start)

		e.emit(emit.Event{
			TaskID: state.Base().TaskID,
			Step:   step,
			Node:   node.Name(),
			Msg:    emit.MsgNodeEnd,
			Meta: map[string]any{
				"attempt":     attempt,
				"duration_ms": duration.Milliseconds(),
				"success":     err == nil,
			},
		})

		if err == nil {
			return patch, nil
		}
		lastErr = err

		// A cancelled or timed-out task is never worth another attempt.
		if k := task.KindOf(err); k == task.KindCancelled || k == task.KindTaskTimeout {
			return zero, err
		}

		if !task.IsRetryable(err) || attempt == attempts-1 {
			break
		}

		delay := computeBackoff(attempt, e.opts.RetryBase, e.opts.RetryCap, e.rng)
		e.emit(emit.Event{
			TaskID: state.Base().TaskID,
			Step:   step,
			Node:   node.Name(),
			Msg:    emit.MsgNodeRetry,
			Meta: map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    err.Error(),
			},
		})
		if serr := sleepCtx(ctx, delay); serr != nil {
			return zero, classifyCtxErr(serr)
		}
	}

	// Exhausted node-level retries on a transient error: bubble it so the
	// graph layer can fail the task with the cause preserved.
	if task.KindOf(lastErr) == task.KindNodeTimeout {
		lastErr = task.WrapError(task.KindTransientExternal, "node retries exhausted after timeout", lastErr).
			WithDetail("node", node.Name())
	}
	return zero, lastErr
}

// runAttempt executes a single attempt under the per-attempt timeout.
func (e *Engine[S]) runAttempt(ctx context.Context, node Node[S], timeout time.Duration, state S) (S, error) {
	var zero S

	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	patch, err := node.Execute(attemptCtx, state)
	if err == nil {
		return patch, nil
	}

	// Distinguish the node-level deadline from task-level cancellation:
	// only when the attempt context expired and the parent did not is this
	// a NodeTimeout.
	if errors.Is(err, context.DeadlineExceeded) && attemptCtx.Err() != nil && ctx.Err() == nil {
		return zero, task.WrapError(task.KindNodeTimeout, "node exceeded timeout", err).
			WithDetail("node", node.Name()).
			WithDetail("timeout_ms", timeout.Milliseconds())
	}
	if cerr := ctx.Err(); cerr != nil {
		return zero, classifyCtxErr(cerr)
	}
	return zero, err
}

// classifyCtxErr maps context errors at the task level to their lifecycle
// kinds: deadline exceeded is a TaskTimeout, cancellation is cooperative.
func classifyCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return task.WrapError(task.KindTaskTimeout, "task exceeded wall-clock limit", err)
	}
	return task.WrapError(task.KindCancelled, "task cancelled", err)
}
