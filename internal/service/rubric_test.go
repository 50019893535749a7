package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/dto"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/models"
)

func TestDefaultRubricWebProject(t *testing.T) {
	rubric := DefaultRubric("express")

	require.Len(t, rubric, 2)
	require.Equal(t, 0.5, rubric[CategoryTestResults].Weight)
	require.Equal(t, 0.5, rubric[CategoryCodeQuality].Weight)
	_, hasSmell := rubric[CategoryCodeSmell]
	require.False(t, hasSmell)
}

func TestDefaultRubricNativeProject(t *testing.T) {
	rubric := DefaultRubric("cpp")

	require.Len(t, rubric, 2)
	require.Equal(t, 0.5, rubric[CategoryCodeQuality].Weight)
	require.Equal(t, 0.5, rubric[CategoryCodeSmell].Weight)
	_, hasTests := rubric[CategoryTestResults]
	require.False(t, hasTests)
}

func TestNormalizeRubricEmptyFallsBackToDefault(t *testing.T) {
	rubric, err := NormalizeRubric(nil, "react")
	require.NoError(t, err)
	require.Equal(t, DefaultRubric("react"), rubric)
}

func TestNormalizeRubricRejectsUnknownCategory(t *testing.T) {
	_, err := NormalizeRubric(map[string]dto.RubricCategory{
		"vibes": {Weight: 1},
	}, "express")
	require.ErrorIs(t, err, ErrUnknownRubricCategory)
}

func TestNormalizeRubricRejectsBadWeightSum(t *testing.T) {
	_, err := NormalizeRubric(map[string]dto.RubricCategory{
		CategoryTestResults: {Weight: 0.5},
		CategoryCodeQuality: {Weight: 0.3},
	}, "express")
	require.ErrorIs(t, err, ErrRubricWeights)
}

func TestNormalizeRubricFillsMaxScore(t *testing.T) {
	rubric, err := NormalizeRubric(map[string]dto.RubricCategory{
		CategoryTestResults: {Weight: 0.7},
		CategoryCodeQuality: {Weight: 0.3, MaxScore: 50},
	}, "express")
	require.NoError(t, err)
	require.Equal(t, 100.0, rubric[CategoryTestResults].MaxScore)
	require.Equal(t, 50.0, rubric[CategoryCodeQuality].MaxScore)
}

func TestAggregatePassingScore(t *testing.T) {
	rubric := DefaultRubric("express")

	total, grade, breakdown := Aggregate(rubric, Subscores{Test: 100, Quality: 80}, nil)

	require.Equal(t, 90.0, total)
	require.Equal(t, models.GradePass, grade)
	require.Len(t, breakdown, 2)
	require.Equal(t, CategoryTestResults, breakdown[0].Category)
	require.Equal(t, 100.0, breakdown[0].Score)
	require.Equal(t, CategoryCodeQuality, breakdown[1].Category)
	require.Equal(t, 80.0, breakdown[1].Score)
}

func TestAggregateZeroScoresFail(t *testing.T) {
	rubric := DefaultRubric("express")

	total, grade, _ := Aggregate(rubric, Subscores{}, nil)

	require.Equal(t, 0.0, total)
	require.Equal(t, models.GradeFail, grade)
}

func TestAggregateThresholdBoundary(t *testing.T) {
	rubric := DefaultRubric("express")

	total, grade, _ := Aggregate(rubric, Subscores{Test: 60, Quality: 60}, nil)

	require.Equal(t, 60.0, total)
	require.Equal(t, models.GradePass, grade)
}

func TestAggregateCustomWeightsAndRescaledMax(t *testing.T) {
	rubric := Rubric{
		CategoryTestResults: {Weight: 0.8, MaxScore: 100},
		CategoryCodeQuality: {Weight: 0.2, MaxScore: 50},
	}

	total, grade, breakdown := Aggregate(rubric, Subscores{Test: 50, Quality: 100}, map[string]string{
		CategoryCodeQuality: "clean structure",
	})

	require.Equal(t, 60.0, total)
	require.Equal(t, models.GradePass, grade)
	require.Len(t, breakdown, 2)
	// quality subscore of 100 rescales to the category max of 50
	require.Equal(t, 50.0, breakdown[1].Score)
	require.Equal(t, "clean structure", breakdown[1].Feedback)
}

func TestAggregateNativeRubricIgnoresTests(t *testing.T) {
	rubric := DefaultRubric("cpp")

	total, _, breakdown := Aggregate(rubric, Subscores{Test: 100, Quality: 40, CodeSmell: 60}, nil)

	require.Equal(t, 50.0, total)
	require.Len(t, breakdown, 2)
	for _, entry := range breakdown {
		require.NotEqual(t, CategoryTestResults, entry.Category)
	}
}
