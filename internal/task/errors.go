package task

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error surfaced by the core. The graph engine and the
// executors branch on the kind to decide between retry, accept-and-proceed,
// and terminal failure.
type Kind string

const (
	// KindValidation marks bad requests and failed node preconditions.
	// Never retried.
	KindValidation Kind = "Validation"

	// KindVersionConflict marks a store mutation that carried a stale
	// version. The caller must re-read before deciding to retry.
	KindVersionConflict Kind = "VersionConflict"

	// KindNotFound marks a missing (or soft-deleted) task or dependent.
	KindNotFound Kind = "NotFound"

	// KindNodeTimeout marks a per-node wall-clock overrun. Counts as one
	// intra-node attempt.
	KindNodeTimeout Kind = "NodeTimeout"

	// KindTaskTimeout marks a whole-workflow wall-clock overrun.
	KindTaskTimeout Kind = "TaskTimeout"

	// KindTransientExternal marks 5xx / network / rate-limit failures
	// from an external service. Retried with backoff inside the node.
	KindTransientExternal Kind = "TransientExternal"

	// KindPermanentExternal marks non-retryable 4xx failures from an
	// external service.
	KindPermanentExternal Kind = "PermanentExternal"

	// KindQualityFailed marks a quality-gate rejection with budget
	// remaining. Not an error at workflow scope.
	KindQualityFailed Kind = "QualityFailed"

	// KindBudgetExhausted marks a quality-gate rejection after the retry
	// budget is spent. The accept-and-proceed edge is taken.
	KindBudgetExhausted Kind = "BudgetExhausted"

	// KindCancelled marks cooperative cancellation observed at a node
	// boundary.
	KindCancelled Kind = "Cancelled"

	// KindInternal marks bugs.
	KindInternal Kind = "Internal"
)

// Error is the structured error carried across component boundaries. It
// holds a kind, a human message, and a free-form details map. User-visible
// renderings preserve the kind but omit internal stack traces.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs an Error of the given kind.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError wraps cause with a kind and message. A nil cause yields a plain
// Error.
func WrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// WithDetail attaches a key/value pair to the details map and returns the
// error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Sentinel errors for the two store outcomes that callers routinely branch
// on. Both also travel as *Error values; errors.Is matches either form.
var (
	// ErrNotFound is returned when a task is missing or soft-deleted.
	ErrNotFound = errors.New("task not found")

	// ErrVersionConflict is returned when a mutation carried a stale
	// version. The write had no side effects.
	ErrVersionConflict = errors.New("version conflict")

	// ErrIncompatibleCheckpoint is returned when a resumed task's
	// checkpoint points at a node no longer present in the graph.
	ErrIncompatibleCheckpoint = errors.New("incompatible checkpoint")

	// ErrUnknownWorkflow is returned by the registry for an unregistered
	// workflow type.
	ErrUnknownWorkflow = errors.New("unknown workflow type")
)

// KindOf extracts the Kind from err, mapping sentinels and context errors to
// their canonical kinds. Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrVersionConflict):
		return KindVersionConflict
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTaskTimeout
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the error kind is eligible for intra-node
// retry with backoff. Validation and permanent failures are never retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientExternal, KindNodeTimeout:
		return true
	case KindInternal:
		return isMarkedTransient(err)
	default:
		return false
	}
}

// isMarkedTransient lets unclassified errors opt into retry via an explicit
// detail flag set by adapters that cannot tag a kind.
func isMarkedTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) && te.Details != nil {
		v, ok := te.Details["transient"].(bool)
		return ok && v
	}
	return false
}
