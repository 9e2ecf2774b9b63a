package graph

// End is the sentinel destination that terminates a workflow. An edge
// pointing at End designates its source as a finishing node.
const End = "__end__"

// Edge represents a connection between two nodes in the workflow graph.
//
// Edges define the control flow between nodes. They can be:
// - Unconditional: always traverse (When = nil).
// - Conditional: only traverse if the predicate returns true (When != nil).
//
// At runtime the engine evaluates a node's outgoing edges in registration
// order on the merged state; the first matching edge wins. Quality-gated
// retry loops are expressed as conditional back-edges, not loops in node
// code, which keeps nodes idempotent and testable in isolation.
//
// Type parameter S is the state type used for predicate evaluation.
type Edge[S Stateful] struct {
	// From is the source node name.
	From string

	// To is the destination node name, or End.
	To string

	// When is an optional predicate that determines if this edge should
	// be traversed. If nil, the edge is unconditional.
	When Predicate[S]
}

// Predicate evaluates state to decide whether an edge should be traversed.
//
// Predicates must be pure functions of the state (deterministic, no side
// effects). Common patterns:
// - Quality gate: state.TextReport.Passed.
// - Budget check: state.TextRetryCount < maxRetries.
// - Presence: state.ArticleContent != "".
type Predicate[S Stateful] func(state S) bool
