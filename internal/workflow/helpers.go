package workflow

import (
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/quality"
	"github.com/loomworks/loom/internal/task"
)

// CompletedSteps reads the ordered node names the engine accumulated in the
// state metadata. Handles both the in-memory and the JSON-round-tripped
// representation of the list.
func CompletedSteps(base *task.BaseState) []string {
	if base.Metadata == nil {
		return nil
	}
	switch v := base.Metadata[task.StepsCompleted].(type) {
	case []string:
		return v
	case []any:
		steps := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				steps = append(steps, str)
			}
		}
		return steps
	}
	return nil
}

// DecisionReport projects a gate decision into the persisted report shape.
func DecisionReport(taskID, phase string, d *quality.Decision) *task.QualityReport {
	return &task.QualityReport{
		TaskID:    taskID,
		Phase:     phase,
		Score:     d.Score,
		Passed:    d.Passed,
		HardOK:    d.HardOK,
		Details:   d.Details,
		Fixes:     d.Suggestions,
		Rubric:    quality.RubricVersion,
		ModelName: d.ModelName,
		CheckedAt: time.Now(),
	}
}

// IntParam coerces a typed-input value into an int. JSON decoding hands
// numbers over as float64; a fractional value is an error, not a truncation.
func IntParam(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("not an integer: %v", v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("not an integer: %v", raw)
	}
}
