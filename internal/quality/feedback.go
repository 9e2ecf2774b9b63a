package quality

import (
	"fmt"
	"strings"
)

// Synthesize builds the ordered, de-duplicated suggestion list handed back
// to the regenerating node. Deterministic guidance from hard-rule failures
// comes first, then the LLM's own suggestions.
func Synthesize(hard HardResult, c HardConstraints, llmSuggestions []string) []string {
	var out []string

	for _, rule := range hard.Rules {
		if rule.Passed {
			continue
		}
		switch rule.Name {
		case "length":
			out = append(out, lengthSuggestion(hard.WordCount, c.MinWords, c.MaxWords))
		case "keywords", "forbiddenWords", "structure":
			out = append(out, "fix: "+rule.Diagnosis)
		}
	}

	out = append(out, llmSuggestions...)
	return dedupe(out)
}

// lengthSuggestion tiers the revision guidance by how far off target the
// word count is: within 10% a small touch-up, within 25% a medium revision,
// beyond that a heavy rework.
func lengthSuggestion(words, min, max int) string {
	var target int
	var direction string
	switch {
	case min > 0 && words < min:
		target, direction = min, "expand"
	case max > 0 && words > max:
		target, direction = max, "shorten"
	default:
		return ""
	}

	off := float64(abs(words-target)) / float64(target)
	var effort string
	switch {
	case off <= 0.10:
		effort = "a small revision should suffice"
	case off <= 0.25:
		effort = "a medium revision is needed"
	default:
		effort = "a heavy rework is needed"
	}
	return fmt.Sprintf("%s the content from %d to about %d words; %s", direction, words, target, effort)
}

func dedupe(suggestions []string) []string {
	seen := make(map[string]struct{}, len(suggestions))
	out := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
