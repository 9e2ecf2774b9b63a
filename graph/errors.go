package graph

import "errors"

// ErrMaxStepsExceeded indicates that the graph execution reached the maximum
// allowed step count without completing. This prevents infinite loops and
// runaway executions when a conditional exit is missing or misconfigured.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrNoRoute indicates that a node finished but none of its outgoing edges
// matched the merged state, so the workflow cannot continue. Common causes:
// - Missing unconditional fall-through edge after a set of conditionals.
// - A predicate pair that is not exhaustive over the state space.
var ErrNoRoute = errors.New("no valid route from node")

// EngineError represents a configuration or topology error from the engine.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
