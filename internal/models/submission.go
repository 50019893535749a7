package models

import (
	"time"

	"gorm.io/datatypes"
)

// Submission statuses. Transitions are strictly forward through the grading
// pipeline, except that StatusFailed is reachable from any non-terminal state.
const (
	StatusUploading  = "uploading"
	StatusInstalling = "installing"
	StatusTesting    = "testing"
	StatusReviewing  = "reviewing"
	StatusReporting  = "reporting"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Grades assigned once a submission reaches StatusCompleted.
const (
	GradePending = "pending"
	GradePass    = "pass"
	GradeFail    = "fail"
)

// Supported project types.
const (
	ProjectTypeExpress   = "express"
	ProjectTypeReact     = "react"
	ProjectTypeFullstack = "fullstack"
	ProjectTypeCPP       = "cpp"
)

// Submission is the durable record of one grading run for a repository.
// It is mutated only by the pipeline run that owns it.
type Submission struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	RepoURL      string         `gorm:"size:512;not null" json:"repo_url"`
	ProjectType  string         `gorm:"size:32;not null" json:"project_type"`
	OwnerID      uint           `gorm:"not null;index" json:"owner_id"`
	Status       string         `gorm:"size:32;not null;index" json:"status"`
	Grade        string         `gorm:"size:16;not null" json:"grade"`
	TotalScore   float64        `gorm:"default:0" json:"total_score"`
	TestScore    float64        `gorm:"default:0" json:"test_score"`
	QualityScore float64        `gorm:"default:0" json:"quality_score"`
	Breakdown    datatypes.JSON `json:"breakdown"`
	Report       string         `gorm:"type:text" json:"report"`
	Error        string         `gorm:"type:text" json:"error"`
	Dependencies datatypes.JSON `json:"dependencies"`
	TestResults  datatypes.JSON `json:"test_results"`
	Telemetry    datatypes.JSON `json:"telemetry"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TableName keeps the grading tables apart from the account-management schema.
func (Submission) TableName() string {
	return "grading_submissions"
}

// IsTerminal reports whether the submission has finished its pipeline run.
func (s Submission) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// HasReport reports whether a markdown report has been committed.
func (s Submission) HasReport() bool {
	return s.Report != ""
}

// ScoreBreakdownEntry is one rubric category line in the final grade.
type ScoreBreakdownEntry struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score"`
	Feedback string  `json:"feedback"`
}

// TestRunSummary captures the parsed outcome of the project's test suite.
type TestRunSummary struct {
	Passed          int     `json:"passed"`
	Total           int     `json:"total"`
	DurationSeconds float64 `json:"duration_seconds"`
	Detail          string  `json:"detail"`
}

// AnalysisTelemetry records usage data from the AI review call.
type AnalysisTelemetry struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	DurationMs       int64  `json:"duration_ms"`
	Model            string `json:"model"`
}

// IsKnownProjectType reports whether the declared project type is supported.
func IsKnownProjectType(projectType string) bool {
	switch projectType {
	case ProjectTypeExpress, ProjectTypeReact, ProjectTypeFullstack, ProjectTypeCPP:
		return true
	default:
		return false
	}
}

// IsNativeProjectType reports whether the project compiles to native code,
// which switches the review template and the default rubric categories.
func IsNativeProjectType(projectType string) bool {
	return projectType == ProjectTypeCPP
}
