package quality

import (
	"context"
	"log/slog"
)

// Decision is the gate's verdict for one artifact, persisted as a quality
// report and used by the workflow to route between rewrite and next phase.
type Decision struct {
	Passed      bool           `json:"passed"`
	Score       float64        `json:"score"`
	HardOK      bool           `json:"hardConstraintsPassed"`
	Suggestions []string       `json:"fixSuggestions,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	ModelName   string         `json:"modelName,omitempty"`
	TokensUsed  int            `json:"tokensUsed"`
}

// TextGate decides whether a generated text artifact is acceptable.
type TextGate interface {
	Check(ctx context.Context, content, requirements string, c HardConstraints) (Decision, error)
}

// Gate is the production TextGate: hard rules first, then the soft LLM
// score. A hard-rule failure fails the artifact regardless of the score.
type Gate struct {
	evaluator *Evaluator
	threshold float64
	logger    *slog.Logger
}

// NewGate creates a text quality gate. A non-positive threshold selects the
// default.
func NewGate(evaluator *Evaluator, threshold float64, logger *slog.Logger) *Gate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{evaluator: evaluator, threshold: threshold, logger: logger}
}

// Check implements TextGate. The error return covers only evaluator
// transport failures; rule failures travel inside the Decision.
func (g *Gate) Check(ctx context.Context, content, requirements string, c HardConstraints) (Decision, error) {
	hard := CheckHard(content, c)

	soft, err := g.evaluator.Evaluate(ctx, content, requirements)
	if err != nil {
		return Decision{}, err
	}

	passed := hard.Passed && soft.Score >= g.threshold
	decision := Decision{
		Passed:     passed,
		Score:      soft.Score,
		HardOK:     hard.Passed,
		ModelName:  soft.ModelName,
		TokensUsed: soft.TokensUsed,
		Details: map[string]any{
			"wordCount":  hard.WordCount,
			"rules":      hard.Rules,
			"dimensions": soft.Dimensions,
			"threshold":  g.threshold,
		},
	}
	if soft.Degraded {
		decision.Details["degraded"] = true
	}
	if !passed {
		decision.Suggestions = Synthesize(hard, c, soft.Suggestions)
	}
	return decision, nil
}
