package graph

import (
	"encoding/json"
	"fmt"
)

// Reducer merges a partial state update (patch) into the previous state and
// returns the result. Reducers must be deterministic and must treat a nil or
// zero-value patch as "no change".
//
// Each workflow supplies its own reducer; it is the only code that knows
// which fields a patch may carry.
type Reducer[S Stateful] func(prev, patch S) S

// DeepCopy creates an independent copy of a state using a JSON round-trip.
//
// This works for any state whose fields are JSON-serializable, which the
// checkpoint contract already requires. Unexported fields, channels, and
// functions are not carried; workflow states must not rely on them.
func DeepCopy[S any](state S) (S, error) {
	var zero S

	data, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal state: %w", err)
	}

	var copied S
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return copied, nil
}
