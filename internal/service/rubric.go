package service

import (
	"errors"
	"fmt"
	"math"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/dto"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/models"
)

// Recognized rubric categories.
const (
	CategoryTestResults = "testResults"
	CategoryCodeQuality = "codeQuality"
	CategoryCodeSmell   = "codeSmell"
)

// PassThreshold is the total score at or above which a submission passes.
const PassThreshold = 60.0

const defaultMaxScore = 100.0

// ErrUnknownRubricCategory indicates a caller-supplied category is not scored.
var ErrUnknownRubricCategory = errors.New("unknown rubric category")

// ErrRubricWeights indicates the supplied weights do not sum to one.
var ErrRubricWeights = errors.New("rubric weights must sum to 1")

// RubricEntry is the validated weighting for one scored category.
type RubricEntry struct {
	Weight   float64
	MaxScore float64
}

// Rubric maps recognized categories to validated weightings. It is immutable
// for the lifetime of one grading run.
type Rubric map[string]RubricEntry

// categoryOrder fixes the breakdown ordering across runs.
var categoryOrder = []string{CategoryTestResults, CategoryCodeQuality, CategoryCodeSmell}

// DefaultRubric returns the documented default weighting for a project type:
// web projects split evenly between test results and code quality, native
// projects between code quality and code smell.
func DefaultRubric(projectType string) Rubric {
	if models.IsNativeProjectType(projectType) {
		return Rubric{
			CategoryCodeQuality: {Weight: 0.5, MaxScore: defaultMaxScore},
			CategoryCodeSmell:   {Weight: 0.5, MaxScore: defaultMaxScore},
		}
	}

	return Rubric{
		CategoryTestResults: {Weight: 0.5, MaxScore: defaultMaxScore},
		CategoryCodeQuality: {Weight: 0.5, MaxScore: defaultMaxScore},
	}
}

// NormalizeRubric validates a caller-supplied rubric, filling defaults. A nil
// or empty rubric yields the documented default for the project type.
func NormalizeRubric(raw map[string]dto.RubricCategory, projectType string) (Rubric, error) {
	if len(raw) == 0 {
		return DefaultRubric(projectType), nil
	}

	rubric := make(Rubric, len(raw))
	weightSum := 0.0
	for category, entry := range raw {
		if !isRecognizedCategory(category) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRubricCategory, category)
		}

		maxScore := entry.MaxScore
		if maxScore <= 0 {
			maxScore = defaultMaxScore
		}

		rubric[category] = RubricEntry{Weight: entry.Weight, MaxScore: maxScore}
		weightSum += entry.Weight
	}

	if math.Abs(weightSum-1.0) > 1e-6 {
		return nil, fmt.Errorf("%w: got %.3f", ErrRubricWeights, weightSum)
	}

	return rubric, nil
}

// Subscores carries the normalized per-concern inputs to aggregation.
type Subscores struct {
	Test      float64
	Quality   float64
	CodeSmell float64
}

// Aggregate combines subscores into the weighted total, assigns the grade,
// and produces one breakdown entry per scored category. Subscores are on a
// 0-100 scale; category entries are rescaled to the rubric's max score.
func Aggregate(rubric Rubric, scores Subscores, feedback map[string]string) (float64, string, []models.ScoreBreakdownEntry) {
	total := 0.0
	breakdown := make([]models.ScoreBreakdownEntry, 0, len(rubric))

	for _, category := range categoryOrder {
		entry, ok := rubric[category]
		if !ok {
			continue
		}

		subscore := subscoreFor(category, scores)
		total += entry.Weight * subscore

		breakdown = append(breakdown, models.ScoreBreakdownEntry{
			Category: category,
			Score:    math.Round(subscore/defaultMaxScore*entry.MaxScore*100) / 100,
			MaxScore: entry.MaxScore,
			Feedback: feedback[category],
		})
	}

	total = math.Round(total*100) / 100

	grade := models.GradeFail
	if total >= PassThreshold {
		grade = models.GradePass
	}

	return total, grade, breakdown
}

func subscoreFor(category string, scores Subscores) float64 {
	switch category {
	case CategoryTestResults:
		return scores.Test
	case CategoryCodeQuality:
		return scores.Quality
	case CategoryCodeSmell:
		return scores.CodeSmell
	default:
		return 0
	}
}

func isRecognizedCategory(category string) bool {
	for _, known := range categoryOrder {
		if category == known {
			return true
		}
	}
	return false
}
