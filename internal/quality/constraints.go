package quality

import (
	"bytes"
	"encoding/json"

	"github.com/loomworks/loom/internal/task"
)

// ParseConstraints converts the raw hardConstraints request value (a JSON
// object decoded into map[string]any) into typed constraints. Unknown keys
// are rejected so a typo'd constraint fails loudly instead of silently
// passing everything.
func ParseConstraints(raw any) (HardConstraints, error) {
	var c HardConstraints
	if raw == nil {
		return c, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return c, task.WrapError(task.KindValidation, "hardConstraints is not a valid object", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return c, task.WrapError(task.KindValidation, "hardConstraints has invalid fields", err)
	}
	if c.MinWords < 0 || c.MaxWords < 0 || c.RequiredSections < 0 {
		return c, task.NewError(task.KindValidation, "hardConstraints values cannot be negative")
	}
	if c.MinWords > 0 && c.MaxWords > 0 && c.MinWords > c.MaxWords {
		return c, task.NewError(task.KindValidation, "minWords cannot exceed maxWords")
	}
	return c, nil
}
