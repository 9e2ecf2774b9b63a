// Package content implements the content-creator workflow: web search,
// information organizing, article writing with a quality-gated rewrite loop,
// illustration generation with its own gated loop, and final assembly.
package content

import (
	"github.com/loomworks/loom/internal/quality"
	"github.com/loomworks/loom/internal/services"
	"github.com/loomworks/loom/internal/task"
)

// Step names, in canonical happy-path order.
const (
	StepSearch        = "search"
	StepOrganize      = "organize"
	StepWrite         = "write"
	StepCheckText     = "checkText"
	StepGenerateImage = "generateImage"
	StepCheckImage    = "checkImage"
	StepPostProcess   = "postProcess"
)

// Retry-class names persisted on the task record.
const (
	RetryClassText  = "text"
	RetryClassImage = "image"
)

// DefaultMaxRetries is the per-class quality retry budget when the request
// does not set one.
const DefaultMaxRetries = 3

// State is the content-creator workflow state. The request inputs (topic
// through the retry budgets) are immutable after task creation and are
// re-pinned from the original request on every resume.
type State struct {
	task.BaseState

	Topic           string                  `json:"topic"`
	Requirements    string                  `json:"requirements,omitempty"`
	Constraints     quality.HardConstraints `json:"hardConstraints,omitempty"`
	ImageCount      int                     `json:"imageCount"`
	ImageSize       string                  `json:"imageSize,omitempty"`
	MaxTextRetries  int                     `json:"maxTextRetries"`
	MaxImageRetries int                     `json:"maxImageRetries"`

	SearchResults   []services.SearchResult   `json:"searchResults,omitempty"`
	OrganizedInfo   string                    `json:"organizedInfo,omitempty"`
	ArticleContent  string                    `json:"articleContent,omitempty"`
	PreviousContent string                    `json:"previousContent,omitempty"`
	Images          []services.GeneratedImage `json:"images,omitempty"`
	TextReport      *quality.Decision         `json:"textQualityReport,omitempty"`
	ImageReport     *quality.Decision         `json:"imageQualityReport,omitempty"`
	TextRetryCount  int                       `json:"textRetryCount"`
	ImageRetryCount int                       `json:"imageRetryCount"`
	FinalContent    string                    `json:"finalArticleContent,omitempty"`

	// RewriteText and RegenerateImages are the routing flags the quality
	// checks raise. They live for exactly one edge evaluation: every patch
	// overwrites them, so a flag raised by checkText is cleared by the next
	// node's merge.
	RewriteText      bool `json:"rewriteText,omitempty"`
	RegenerateImages bool `json:"regenerateImages,omitempty"`

	TokensUsed int `json:"tokensUsed"`
}

// Base returns the engine-managed lifecycle fields.
func (s *State) Base() *task.BaseState { return &s.BaseState }

// PinInputsFrom restores the immutable request inputs from the freshly built
// initial state, so a checkpoint can never redirect a resumed task.
func (s *State) PinInputsFrom(initial *State) {
	s.Topic = initial.Topic
	s.Requirements = initial.Requirements
	s.Constraints = initial.Constraints
	s.ImageCount = initial.ImageCount
	s.ImageSize = initial.ImageSize
	s.MaxTextRetries = initial.MaxTextRetries
	s.MaxImageRetries = initial.MaxImageRetries
}

// Reduce merges a node's patch into the previous state. Content fields merge
// when set, retry counters only move forward, token counts accumulate, and
// the routing flags always take the patch's value.
func Reduce(prev, patch *State) *State {
	if patch == nil {
		return prev
	}
	next := *prev

	if patch.SearchResults != nil {
		next.SearchResults = patch.SearchResults
	}
	if patch.OrganizedInfo != "" {
		next.OrganizedInfo = patch.OrganizedInfo
	}
	if patch.ArticleContent != "" {
		next.ArticleContent = patch.ArticleContent
	}
	if patch.PreviousContent != "" {
		next.PreviousContent = patch.PreviousContent
	}
	if patch.Images != nil {
		next.Images = patch.Images
	}
	if patch.TextReport != nil {
		next.TextReport = patch.TextReport
	}
	if patch.ImageReport != nil {
		next.ImageReport = patch.ImageReport
	}
	if patch.TextRetryCount > next.TextRetryCount {
		next.TextRetryCount = patch.TextRetryCount
	}
	if patch.ImageRetryCount > next.ImageRetryCount {
		next.ImageRetryCount = patch.ImageRetryCount
	}
	if patch.FinalContent != "" {
		next.FinalContent = patch.FinalContent
	}

	next.RewriteText = patch.RewriteText
	next.RegenerateImages = patch.RegenerateImages
	next.TokensUsed = prev.TokensUsed + patch.TokensUsed

	return &next
}
