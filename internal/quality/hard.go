// Package quality implements the two-tier quality gate: deterministic hard
// rules over the artifact, an LLM-scored soft rubric, and the feedback
// synthesizer that turns failures into targeted revision guidance.
package quality

import (
	"fmt"
	"strings"
	"unicode"
)

// HardConstraints are the client-supplied deterministic requirements.
// Zero values disable the corresponding rule.
type HardConstraints struct {
	MinWords         int      `json:"minWords,omitempty"`
	MaxWords         int      `json:"maxWords,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	ForbiddenWords   []string `json:"forbiddenWords,omitempty"`
	RequiredSections int      `json:"requiredSections,omitempty"`
}

// RuleResult is one hard rule's verdict with a human-readable diagnosis.
type RuleResult struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Diagnosis string `json:"diagnosis,omitempty"`
}

// HardResult aggregates all hard-rule verdicts. Any failing rule fails the
// whole check regardless of the soft score.
type HardResult struct {
	Passed    bool         `json:"passed"`
	WordCount int          `json:"wordCount"`
	Rules     []RuleResult `json:"rules"`
}

// conclusionMarkers are the phrases that satisfy the structure rule's
// conclusion requirement. Both English and Chinese articles are in scope.
var conclusionMarkers = []string{
	"conclusion", "in summary", "to summarize", "in closing",
	"总结", "结论", "综上所述", "总之",
}

// CheckHard runs every enabled hard rule over the content.
func CheckHard(content string, c HardConstraints) HardResult {
	result := HardResult{Passed: true, WordCount: CountWords(content)}

	add := func(r RuleResult) {
		result.Rules = append(result.Rules, r)
		if !r.Passed {
			result.Passed = false
		}
	}

	if c.MinWords > 0 || c.MaxWords > 0 {
		add(checkLength(result.WordCount, c.MinWords, c.MaxWords))
	}
	if len(c.Keywords) > 0 {
		add(checkKeywords(content, c.Keywords))
	}
	if len(c.ForbiddenWords) > 0 {
		add(checkForbidden(content, c.ForbiddenWords))
	}
	if c.RequiredSections > 0 {
		add(checkStructure(content, c.RequiredSections))
	}
	return result
}

func checkLength(words, min, max int) RuleResult {
	r := RuleResult{Name: "length", Passed: true}
	switch {
	case min > 0 && words < min:
		r.Passed = false
		r.Diagnosis = fmt.Sprintf("content has %d words, below the minimum of %d", words, min)
	case max > 0 && words > max:
		r.Passed = false
		r.Diagnosis = fmt.Sprintf("content has %d words, above the maximum of %d", words, max)
	}
	return r
}

// checkKeywords requires every keyword as a case-sensitive substring.
func checkKeywords(content string, keywords []string) RuleResult {
	missing := MissingKeywords(content, keywords)
	if len(missing) > 0 {
		return RuleResult{
			Name:      "keywords",
			Diagnosis: "missing required keywords: " + strings.Join(missing, ", "),
		}
	}
	return RuleResult{Name: "keywords", Passed: true}
}

func checkForbidden(content string, forbidden []string) RuleResult {
	var found []string
	for _, w := range forbidden {
		if w != "" && strings.Contains(content, w) {
			found = append(found, w)
		}
	}
	if len(found) > 0 {
		return RuleResult{
			Name:      "forbiddenWords",
			Diagnosis: "contains forbidden words: " + strings.Join(found, ", "),
		}
	}
	return RuleResult{Name: "forbiddenWords", Passed: true}
}

// checkStructure requires a level-1 heading, a conclusion marker, and at
// least minSections paragraphs.
func checkStructure(content string, minSections int) RuleResult {
	var problems []string

	if !hasLevelOneHeading(content) {
		problems = append(problems, "no level-1 heading")
	}
	if !hasConclusion(content) {
		problems = append(problems, "no conclusion section")
	}
	if n := countParagraphs(content); n < minSections {
		problems = append(problems, fmt.Sprintf("only %d sections, need at least %d", n, minSections))
	}

	if len(problems) > 0 {
		return RuleResult{Name: "structure", Diagnosis: strings.Join(problems, "; ")}
	}
	return RuleResult{Name: "structure", Passed: true}
}

func hasLevelOneHeading(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return true
		}
	}
	return false
}

func hasConclusion(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range conclusionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func countParagraphs(content string) int {
	count := 0
	for _, block := range strings.Split(content, "\n\n") {
		if strings.TrimSpace(block) != "" {
			count++
		}
	}
	return count
}

// MissingKeywords returns the keywords not present in the content,
// case-sensitive, in input order.
func MissingKeywords(content string, keywords []string) []string {
	var missing []string
	for _, kw := range keywords {
		if kw != "" && !strings.Contains(content, kw) {
			missing = append(missing, kw)
		}
	}
	return missing
}

// CountWords counts CJK characters individually and whitespace-delimited
// runs of other letters as one word each, so both English and Chinese
// articles measure sensibly against the same limits.
func CountWords(content string) int {
	count := 0
	inWord := false
	for _, r := range content {
		switch {
		case unicode.Is(unicode.Han, r):
			if inWord {
				count++
				inWord = false
			}
			count++
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if inWord {
				count++
				inWord = false
			}
		default:
			inWord = true
		}
	}
	if inWord {
		count++
	}
	return count
}
