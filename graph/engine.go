package graph

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/loomworks/loom/graph/emit"
	"github.com/loomworks/loom/internal/task"
)

// CheckpointFunc persists the state after a node completes. stepName is the
// node that just finished. A checkpoint failure is logged and execution
// continues (a crash before the next checkpoint re-executes the following
// node, which the Node contract requires to be idempotent) — except a
// Cancelled error, which the checkpoint layer uses to signal that the task
// was cancelled externally; the run aborts at that node boundary.
type CheckpointFunc[S Stateful] func(ctx context.Context, stepName string, state S) error

// Options configures Engine execution behavior. Zero values fall back to
// sensible defaults.
type Options struct {
	// MaxSteps limits total node executions per run, guarding against
	// retry loops that never converge. Default 100.
	MaxSteps int

	// DefaultNodeTimeout applies to nodes that declare no timeout of
	// their own. Zero means unlimited.
	DefaultNodeTimeout time.Duration

	// RetryBase and RetryCap pace intra-node retries (exponential backoff
	// with jitter). Defaults: 1s base, 30s cap.
	RetryBase time.Duration
	RetryCap  time.Duration
}

// Engine orchestrates stateful workflow execution with checkpointing.
//
// The Engine is the core runtime that:
//   - Manages workflow graph topology (nodes and conditional edges)
//   - Executes nodes strictly ordered along the chosen path
//   - Merges node patches into the state via the workflow's reducer
//   - Persists a checkpoint after every node
//   - Emits observability events
//   - Enforces per-node timeouts, intra-node retries, and MaxSteps
//   - Supports resuming a crashed run from its last checkpoint
//
// Type parameter S is the state type shared across the workflow. The engine
// reads and writes only the task.BaseState portion of S.
type Engine[S Stateful] struct {
	mu sync.RWMutex

	reducer    Reducer[S]
	nodes      map[string]Node[S]
	edges      []Edge[S]
	startNode  string
	checkpoint CheckpointFunc[S]
	emitter    emit.Emitter
	opts       Options
	rng        *rand.Rand
}

// New creates an Engine with the given reducer and configuration. Nodes and
// edges are added afterwards via Add, Connect, StartAt, and Finish.
//
// The checkpoint function may be nil (no persistence, tests only); the
// emitter may be nil (events dropped).
func New[S Stateful](reducer Reducer[S], checkpoint CheckpointFunc[S], emitter emit.Emitter, opts Options) *Engine[S] {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 100
	}
	return &Engine[S]{
		reducer:    reducer,
		nodes:      make(map[string]Node[S]),
		edges:      make([]Edge[S], 0),
		checkpoint: checkpoint,
		emitter:    emitter,
		opts:       opts,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

// Add registers a node in the workflow graph. Node names must be unique.
func (e *Engine[S]) Add(node Node[S]) error {
	if node == nil || node.Name() == "" {
		return &EngineError{Message: "node must have a name", Code: "INVALID_NODE"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[node.Name()]; exists {
		return &EngineError{Message: "duplicate node name: " + node.Name(), Code: "DUPLICATE_NODE"}
	}
	e.nodes[node.Name()] = node
	return nil
}

// StartAt sets the entry point for workflow execution. The node must have
// been registered via Add.
func (e *Engine[S]) StartAt(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[name]; !exists {
		return &EngineError{Message: "start node does not exist: " + name, Code: "NODE_NOT_FOUND"}
	}
	e.startNode = name
	return nil
}

// Connect creates an edge between two nodes. A nil predicate makes the edge
// unconditional. Edges are evaluated in registration order; the first match
// wins, so register conditional edges before their fall-through.
func (e *Engine[S]) Connect(from, to string, predicate Predicate[S]) error {
	if from == "" || to == "" {
		return &EngineError{Message: "edge endpoints cannot be empty", Code: "INVALID_EDGE"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: predicate})
	return nil
}

// Finish marks a node as terminal by connecting it unconditionally to End.
func (e *Engine[S]) Finish(from string) error {
	return e.Connect(from, End, nil)
}

// HasNode reports whether a node with the given name is registered. Used to
// validate checkpoints before resuming.
func (e *Engine[S]) HasNode(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.nodes[name]
	return ok
}

// Run executes the workflow from its entry node to completion or terminal
// failure. On failure the returned state carries the error and end time of
// the run; the caller decides the task-level transition.
func (e *Engine[S]) Run(ctx context.Context, initial S) (S, error) {
	if err := e.validate(); err != nil {
		return initial, err
	}
	return e.runFrom(ctx, initial, e.startNode, 0)
}

// Resume continues a run from a restored checkpoint. The state's CurrentStep
// names the last node that completed; execution continues at its successor.
//
// If the checkpoint points at a node that has since been removed from the
// graph, Resume fails with task.ErrIncompatibleCheckpoint.
func (e *Engine[S]) Resume(ctx context.Context, state S) (S, error) {
	if err := e.validate(); err != nil {
		return state, err
	}

	last := state.Base().CurrentStep
	if last == "" {
		return e.runFrom(ctx, state, e.startNode, 0)
	}
	if !e.HasNode(last) {
		return state, task.WrapError(task.KindInternal,
			fmt.Sprintf("checkpoint step %q is not in the graph", last),
			task.ErrIncompatibleCheckpoint)
	}

	e.emit(emit.Event{
		TaskID: state.Base().TaskID,
		Node:   last,
		Msg:    emit.MsgRunResumed,
	})

	next, matched := e.evaluateEdges(last, state)
	if !matched {
		return state, task.WrapError(task.KindInternal, "no route from checkpoint step "+last, ErrNoRoute)
	}
	if next == End {
		return e.finishRun(ctx, state), nil
	}
	return e.runFrom(ctx, state, next, 0)
}

func (e *Engine[S]) validate() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.reducer == nil {
		return &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if e.startNode == "" {
		return &EngineError{Message: "start node not set (call StartAt)", Code: "NO_START_NODE"}
	}
	return nil
}

// runFrom is the step loop shared by Run and Resume.
func (e *Engine[S]) runFrom(ctx context.Context, state S, startAt string, stepsDone int) (S, error) {
	current := startAt
	step := stepsDone

	for {
		step++
		if step > e.opts.MaxSteps {
			return e.failRun(ctx, state, current,
				task.WrapError(task.KindInternal, "workflow exceeded step limit", ErrMaxStepsExceeded))
		}

		// Cooperative cancellation and the task-level deadline are
		// observed at every node boundary.
		if err := ctx.Err(); err != nil {
			return e.failRun(ctx, state, current, classifyCtxErr(err))
		}

		e.mu.RLock()
		node, exists := e.nodes[current]
		e.mu.RUnlock()
		if !exists {
			return e.failRun(ctx, state, current,
				&EngineError{Message: "node not found during execution: " + current, Code: "NODE_NOT_FOUND"})
		}

		patch, err := e.executeNode(ctx, node, step, state)
		if err != nil {
			return e.failRun(ctx, state, current, err)
		}

		state = e.reducer(state, patch)
		base := state.Base()
		base.CurrentStep = current
		base.Version++
		base.MarkStepCompleted(current)

		if err := e.saveCheckpoint(ctx, current, state, step); err != nil &&
			task.KindOf(err) == task.KindCancelled {
			return e.failRun(ctx, state, current, err)
		}

		next, matched := e.evaluateEdges(current, state)
		if !matched {
			return e.failRun(ctx, state, current,
				task.WrapError(task.KindInternal, "no valid route from node "+current, ErrNoRoute))
		}
		if next == End {
			return e.finishRun(ctx, state), nil
		}
		current = next
	}
}

// saveCheckpoint persists the state after a successful node and returns the
// persistence error for the caller to classify. Failure is observed but
// normally not fatal: losing one checkpoint costs at most one idempotent
// re-execution on resume. The step loop aborts only on a Cancelled error.
func (e *Engine[S]) saveCheckpoint(ctx context.Context, stepName string, state S, step int) error {
	if e.checkpoint == nil {
		return nil
	}
	if err := e.checkpoint(ctx, stepName, state); err != nil {
		e.emit(emit.Event{
			TaskID: state.Base().TaskID,
			Step:   step,
			Node:   stepName,
			Msg:    emit.MsgCheckpointError,
			Meta:   map[string]any{"error": err.Error()},
		})
		return err
	}
	e.emit(emit.Event{
		TaskID: state.Base().TaskID,
		Step:   step,
		Node:   stepName,
		Msg:    emit.MsgCheckpointSaved,
	})
	return nil
}

// finishRun stamps the end time and emits the run-complete event.
func (e *Engine[S]) finishRun(ctx context.Context, state S) S {
	base := state.Base()
	now := time.Now()
	base.EndTime = &now
	e.saveCheckpoint(ctx, base.CurrentStep, state, 0)
	e.emit(emit.Event{TaskID: base.TaskID, Msg: emit.MsgRunComplete})
	return state
}

// failRun records the terminal error on the state, checkpoints it so the
// failure survives a crash, and returns the state alongside the error.
func (e *Engine[S]) failRun(ctx context.Context, state S, stepName string, err error) (S, error) {
	base := state.Base()
	now := time.Now()
	base.EndTime = &now
	base.Error = err.Error()

	// Best effort: the parent context may already be dead.
	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	e.saveCheckpoint(saveCtx, stepName, state, 0)

	e.emit(emit.Event{
		TaskID: base.TaskID,
		Node:   stepName,
		Msg:    emit.MsgRunFailed,
		Meta:   map[string]any{"error": err.Error(), "kind": string(task.KindOf(err))},
	})
	return state, err
}

// evaluateEdges finds the first matching edge out of a node. Edges are
// evaluated in registration order: a nil predicate always matches.
// The second return value is false when no edge matched.
func (e *Engine[S]) evaluateEdges(from string, state S) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, edge := range e.edges {
		if edge.From != from {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To, true
		}
	}
	return "", false
}

func (e *Engine[S]) emit(event emit.Event) {
	if e.emitter != nil {
		e.emitter.Emit(event)
	}
}
