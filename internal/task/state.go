package task

import "time"

// BaseState is the fixed, strongly typed portion every workflow state
// embeds. The graph engine touches only these fields; workflow-specific
// fields live on the embedding struct and round-trip through the checkpoint
// as opaque JSON.
type BaseState struct {
	TaskID       string         `json:"taskId"`
	WorkflowType string         `json:"workflowType"`
	Mode         Mode           `json:"mode"`
	CurrentStep  string         `json:"currentStep,omitempty"`
	RetryCount   int            `json:"retryCount"`
	Version      int64          `json:"version"`
	StartTime    time.Time      `json:"startTime"`
	EndTime      *time.Time     `json:"endTime,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// StepsCompleted is the conventional metadata key under which workflows
// accumulate the ordered list of finished node names.
const StepsCompleted = "stepsCompleted"

// MarkStepCompleted appends a node name to the stepsCompleted metadata list.
// Appending the same step twice (a resumed re-execution) is a no-op.
func (b *BaseState) MarkStepCompleted(step string) {
	if b.Metadata == nil {
		b.Metadata = make(map[string]any)
	}
	var steps []string
	switch v := b.Metadata[StepsCompleted].(type) {
	case []string:
		steps = v
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				steps = append(steps, str)
			}
		}
	}
	for _, s := range steps {
		if s == step {
			b.Metadata[StepsCompleted] = steps
			return
		}
	}
	b.Metadata[StepsCompleted] = append(steps, step)
}
