package ai

import (
	"context"
	"errors"
)

// ReviewFile is one sanitized source file embedded in the review prompt.
type ReviewFile struct {
	Path    string
	Content string
}

// RubricLine describes one scored category for the reviewer.
type RubricLine struct {
	Category string
	Weight   float64
	MaxScore float64
}

// ReviewInput contains the artefacts needed to review a graded repository.
type ReviewInput struct {
	ProjectType string
	Native      bool
	Files       []ReviewFile
	TestsPassed int
	TestsTotal  int
	TestDetail  string
	Rubric      []RubricLine
}

// ReviewResult is the structured quality assessment returned by the reviewer.
type ReviewResult struct {
	QualityScore     float64           `json:"quality_score"`
	CodeSmellScore   float64           `json:"code_smell_score"`
	Summary          string            `json:"summary"`
	CategoryFeedback map[string]string `json:"category_feedback,omitempty"`
	Telemetry        Telemetry         `json:"-"`
}

// Telemetry records usage data for one review call.
type Telemetry struct {
	PromptTokens     int
	CompletionTokens int
	DurationMs       int64
	Model            string
}

// ErrNoAnalysis indicates the review call produced no decodable result.
// Callers treat it as a degraded zero-score outcome, not a pipeline failure.
var ErrNoAnalysis = errors.New("no analysis produced")

// Reviewer describes an AI model capable of scoring repository quality.
// Implementations make a single attempt per submission.
type Reviewer interface {
	Review(ctx context.Context, input ReviewInput) (ReviewResult, error)
}
