package emit

// Event message constants emitted by the engine and node runtime.
const (
	MsgNodeStart       = "node_start"
	MsgNodeEnd         = "node_end"
	MsgNodeRetry       = "node_retry"
	MsgNodeError       = "node_error"
	MsgCheckpointSaved = "checkpoint_saved"
	MsgCheckpointError = "checkpoint_error"
	MsgRunComplete     = "run_complete"
	MsgRunFailed       = "run_failed"
	MsgRunResumed      = "run_resumed"
)

// Event represents an observability event emitted during workflow execution.
//
// Events provide insight into workflow behavior: node execution start and
// finish, retries with attempt index, checkpoint operations, and run-level
// transitions. They are delivered to an Emitter which can log them, bridge
// them to metrics, or buffer them for tests.
type Event struct {
	// TaskID identifies the task whose execution emitted this event.
	TaskID string

	// Step is the sequential step number in the run (1-indexed).
	// Zero for run-level events.
	Step int

	// Node identifies which node emitted this event. Empty for run-level
	// events.
	Node string

	// Msg is one of the Msg* constants.
	Msg string

	// Meta contains additional structured data. Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "attempt": attempt index (0 = first)
	//   - "error": error text
	//   - "success": bool
	Meta map[string]any
}
