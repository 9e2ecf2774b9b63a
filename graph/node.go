// Package graph provides the generic workflow execution engine: a set of
// named nodes driven under conditional edges against a shared state value,
// with a durable checkpoint after every node and support for resuming a
// crashed run from its last checkpoint.
package graph

import (
	"context"
	"time"

	"github.com/loomworks/loom/internal/task"
)

// Stateful is the constraint every workflow state satisfies. The engine
// touches only the base fields; everything else on the state is opaque to it.
type Stateful interface {
	// Base returns the shared lifecycle fields of the state. Must return
	// a pointer into the receiver so the engine's updates stick.
	Base() *task.BaseState
}

// Node represents a processing unit in the workflow graph.
//
// A node receives the current state, performs its computation (LLM calls,
// searches, pure transforms), and returns a partial state to merge. Nodes
// must not mutate the state they are given; the engine performs the merge
// through the workflow's reducer.
//
// Execute must be idempotent under re-execution: a crash between a node's
// success and the next checkpoint re-executes it with the same inputs, which
// must not double-write or double-charge (expected LLM nondeterminism aside).
//
// Type parameter S is the state type shared across the workflow.
type Node[S Stateful] interface {
	// Name uniquely identifies the node within its graph.
	Name() string

	// Retries is the intra-node retry budget for transient failures.
	// Zero means a single attempt. Validation errors are never retried.
	Retries() int

	// Timeout is the per-attempt wall-clock limit. Zero falls back to the
	// engine's DefaultNodeTimeout.
	Timeout() time.Duration

	// Validate checks the node's preconditions against the state and
	// returns a deterministic error when they are not met.
	Validate(state S) error

	// Execute runs the node's logic and returns a partial state (patch)
	// to merge. It may suspend on I/O and must observe ctx cancellation.
	Execute(ctx context.Context, state S) (S, error)
}

// NodeConfig carries the declarative half of a node: its name and execution
// limits. Workflow packages embed it to avoid restating the three accessors.
type NodeConfig struct {
	NodeName    string
	NodeRetries int
	NodeTimeout time.Duration
}

// Name returns the configured node name.
func (c NodeConfig) Name() string { return c.NodeName }

// Retries returns the configured intra-node retry budget.
func (c NodeConfig) Retries() int { return c.NodeRetries }

// Timeout returns the configured per-attempt limit.
func (c NodeConfig) Timeout() time.Duration { return c.NodeTimeout }

// FuncNode adapts plain functions into a Node. Useful for tests and for
// small pure transforms that don't warrant a named type.
type FuncNode[S Stateful] struct {
	NodeConfig
	ValidateFunc func(state S) error
	ExecuteFunc  func(ctx context.Context, state S) (S, error)
}

// Validate runs the optional validation function.
func (n *FuncNode[S]) Validate(state S) error {
	if n.ValidateFunc == nil {
		return nil
	}
	return n.ValidateFunc(state)
}

// Execute runs the wrapped function.
func (n *FuncNode[S]) Execute(ctx context.Context, state S) (S, error) {
	return n.ExecuteFunc(ctx, state)
}
