package dto

import (
	"encoding/json"
	"time"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/models"
)

// RubricCategory is one caller-supplied grading category weighting.
type RubricCategory struct {
	Weight   float64 `json:"weight" validate:"required,gt=0,lte=1"`
	MaxScore float64 `json:"max_score" validate:"omitempty,gt=0"`
}

// GradeRequest is the intake payload for a grading run.
type GradeRequest struct {
	RepoURL     string                    `json:"repo_url" validate:"required,url"`
	ProjectType string                    `json:"project_type" validate:"required,oneof=express react fullstack cpp"`
	Rubric      map[string]RubricCategory `json:"rubric" validate:"omitempty,dive"`
	FileGlobs   []string                  `json:"file_globs" validate:"omitempty,dive,min=1"`
}

// GradeAccepted acknowledges an accepted submission before the pipeline runs.
type GradeAccepted struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SubmissionListQuery describes the query string filters for listing runs.
type SubmissionListQuery struct {
	OwnerID *uint   `query:"owner_id"`
	Status  *string `query:"status" validate:"omitempty,oneof=uploading installing testing reviewing reporting completed failed"`
	Skip    int     `query:"skip" validate:"gte=0"`
	Limit   int     `query:"limit" validate:"gte=0,lte=100"`
}

// SubmissionResponse is returned to API clients when viewing a grading run.
type SubmissionResponse struct {
	ID           string                       `json:"id"`
	RepoURL      string                       `json:"repo_url"`
	ProjectType  string                       `json:"project_type"`
	OwnerID      uint                         `json:"owner_id"`
	Status       string                       `json:"status"`
	Grade        string                       `json:"grade"`
	TotalScore   float64                      `json:"total_score"`
	TestScore    float64                      `json:"test_score"`
	QualityScore float64                      `json:"quality_score"`
	Breakdown    []models.ScoreBreakdownEntry `json:"breakdown,omitempty"`
	HasReport    bool                         `json:"has_report"`
	Error        string                       `json:"error,omitempty"`
	Dependencies []string                     `json:"dependencies,omitempty"`
	TestResults  *models.TestRunSummary       `json:"test_results,omitempty"`
	Telemetry    *models.AnalysisTelemetry    `json:"telemetry,omitempty"`
	CreatedAt    time.Time                    `json:"created_at"`
	UpdatedAt    time.Time                    `json:"updated_at"`
}

// NewSubmissionResponse converts a Submission model into a DTO.
func NewSubmissionResponse(model models.Submission) SubmissionResponse {
	response := SubmissionResponse{
		ID:           model.ID,
		RepoURL:      model.RepoURL,
		ProjectType:  model.ProjectType,
		OwnerID:      model.OwnerID,
		Status:       model.Status,
		Grade:        model.Grade,
		TotalScore:   model.TotalScore,
		TestScore:    model.TestScore,
		QualityScore: model.QualityScore,
		HasReport:    model.HasReport(),
		Error:        model.Error,
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}

	if len(model.Breakdown) > 0 {
		var breakdown []models.ScoreBreakdownEntry
		if err := json.Unmarshal(model.Breakdown, &breakdown); err == nil {
			response.Breakdown = breakdown
		}
	}

	if len(model.Dependencies) > 0 {
		var deps []string
		if err := json.Unmarshal(model.Dependencies, &deps); err == nil {
			response.Dependencies = deps
		}
	}

	if len(model.TestResults) > 0 {
		var results models.TestRunSummary
		if err := json.Unmarshal(model.TestResults, &results); err == nil {
			response.TestResults = &results
		}
	}

	if len(model.Telemetry) > 0 {
		var telemetry models.AnalysisTelemetry
		if err := json.Unmarshal(model.Telemetry, &telemetry); err == nil {
			response.Telemetry = &telemetry
		}
	}

	return response
}

// NewSubmissionResponseSlice converts submission models into DTOs.
func NewSubmissionResponseSlice(submissions []models.Submission) []SubmissionResponse {
	responses := make([]SubmissionResponse, 0, len(submissions))
	for _, submission := range submissions {
		responses = append(responses, NewSubmissionResponse(submission))
	}

	return responses
}
