package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/dto"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/models"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/observability"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/repository"
	"github.com/decagondev/section-ai-test-mark-mvp/pkg/ai"
	"github.com/decagondev/section-ai-test-mark-mvp/pkg/workspace"
)

// WorkspaceManager is the slice of the workspace package the pipeline needs.
type WorkspaceManager interface {
	Acquire(ctx context.Context, repoURL string) (string, error)
	Install(ctx context.Context, dir, projectType string) error
	RunTests(ctx context.Context, dir, projectType string) (models.TestRunSummary, error)
	Dependencies(dir, projectType string) []string
	Cleanup(dir string)
}

// phasePercent fixes the monotonically non-decreasing progress estimate
// reported at each phase boundary.
var phasePercent = map[string]int{
	models.StatusUploading:  10,
	models.StatusInstalling: 30,
	models.StatusTesting:    55,
	models.StatusReviewing:  75,
	models.StatusReporting:  90,
	models.StatusCompleted:  100,
}

var phaseSteps = map[string]string{
	models.StatusUploading:  "Fetching repository",
	models.StatusInstalling: "Installing dependencies",
	models.StatusTesting:    "Running test suite",
	models.StatusReviewing:  "Reviewing code quality",
	models.StatusReporting:  "Aggregating scores and writing report",
}

// Pipeline drives one submission through the grading phases, mutating its
// record in place at each transition. A submission is owned exclusively by
// its pipeline run; no two runs ever share a record.
type Pipeline struct {
	repo       repository.SubmissionRepository
	workspaces WorkspaceManager
	reviewer   ai.Reviewer
	publisher  ProgressPublisher
	sanitizer  *bluemonday.Policy
	tracer     trace.Tracer
	logger     zerolog.Logger
	fileCap    int
}

// NewPipeline constructs a phase executor. The reviewer may be nil, in which
// case every run takes the degraded zero-quality path.
func NewPipeline(repo repository.SubmissionRepository, workspaces WorkspaceManager, reviewer ai.Reviewer, publisher ProgressPublisher, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		repo:       repo,
		workspaces: workspaces,
		reviewer:   reviewer,
		publisher:  publisher,
		sanitizer:  bluemonday.UGCPolicy(),
		tracer:     otel.Tracer("github.com/decagondev/section-ai-test-mark-mvp/internal/service/pipeline"),
		logger:     logger.With().Str("component", "pipeline").Logger(),
		fileCap:    workspace.DefaultFileCap,
	}
}

// Run executes the full grading pipeline for one submission. The only error
// it returns is a persistence failure: every other failure is committed to
// the record as the failed terminal state.
func (p *Pipeline) Run(ctx context.Context, submission models.Submission, rubric Rubric, fileGlobs []string) error {
	ctx, span := p.tracer.Start(ctx, "grading.run", trace.WithAttributes(
		attribute.String("submission_id", submission.ID),
		attribute.String("project_type", submission.ProjectType),
	))
	defer span.End()

	logger := p.logger.With().Str("submission_id", submission.ID).Logger()

	// Intake created the record at uploading; announce the phase.
	p.publisher.Progress(ctx, dto.ProgressEvent{
		SubmissionID:    submission.ID,
		Status:          models.StatusUploading,
		ProgressPercent: phasePercent[models.StatusUploading],
		CurrentStep:     phaseSteps[models.StatusUploading],
	})

	phaseStart := time.Now()
	dir, err := p.workspaces.Acquire(ctx, submission.RepoURL)
	observability.PhaseDuration().WithLabelValues(models.StatusUploading).Observe(time.Since(phaseStart).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).Msg("repository acquisition failed")
		return p.fail(ctx, &submission, models.StatusUploading, "repository acquisition failed: "+err.Error())
	}
	defer p.workspaces.Cleanup(dir)

	// The installing transition commits the declared dependencies with it.
	if deps := p.workspaces.Dependencies(dir, submission.ProjectType); len(deps) > 0 {
		if payload, marshalErr := json.Marshal(deps); marshalErr == nil {
			submission.Dependencies = payload
		}
	}
	if err := p.advance(ctx, &submission, models.StatusInstalling); err != nil {
		return err
	}

	phaseStart = time.Now()
	installErr := p.workspaces.Install(ctx, dir, submission.ProjectType)
	observability.PhaseDuration().WithLabelValues(models.StatusInstalling).Observe(time.Since(phaseStart).Seconds())
	if installErr != nil {
		span.SetStatus(codes.Error, installErr.Error())
		logger.Warn().Err(installErr).Msg("dependency installation failed")
		return p.fail(ctx, &submission, models.StatusInstalling, "dependency installation failed: "+installErr.Error())
	}

	if err := p.advance(ctx, &submission, models.StatusTesting); err != nil {
		return err
	}

	phaseStart = time.Now()
	summary, testErr := p.workspaces.RunTests(ctx, dir, submission.ProjectType)
	observability.PhaseDuration().WithLabelValues(models.StatusTesting).Observe(time.Since(phaseStart).Seconds())
	if testErr != nil {
		// Only the execution environment failing is fatal; a failing suite
		// already came back as a summary.
		span.SetStatus(codes.Error, testErr.Error())
		logger.Warn().Err(testErr).Msg("test execution failed")
		return p.fail(ctx, &submission, models.StatusTesting, "test execution failed: "+testErr.Error())
	}

	submission.TestScore = testSubscore(summary)
	if payload, marshalErr := json.Marshal(summary); marshalErr == nil {
		submission.TestResults = payload
	}

	if err := p.advance(ctx, &submission, models.StatusReviewing); err != nil {
		return err
	}

	phaseStart = time.Now()
	review, degraded := p.review(ctx, dir, submission, summary, rubric, fileGlobs)
	observability.PhaseDuration().WithLabelValues(models.StatusReviewing).Observe(time.Since(phaseStart).Seconds())

	submission.QualityScore = review.QualityScore
	if !degraded {
		telemetry := models.AnalysisTelemetry{
			PromptTokens:     review.Telemetry.PromptTokens,
			CompletionTokens: review.Telemetry.CompletionTokens,
			DurationMs:       review.Telemetry.DurationMs,
			Model:            review.Telemetry.Model,
		}
		if payload, marshalErr := json.Marshal(telemetry); marshalErr == nil {
			submission.Telemetry = payload
		}
	}

	if err := p.advance(ctx, &submission, models.StatusReporting); err != nil {
		return err
	}

	total, grade, breakdown := Aggregate(rubric, Subscores{
		Test:      submission.TestScore,
		Quality:   review.QualityScore,
		CodeSmell: review.CodeSmellScore,
	}, review.CategoryFeedback)

	submission.TotalScore = total
	submission.Grade = grade
	if payload, marshalErr := json.Marshal(breakdown); marshalErr == nil {
		submission.Breakdown = payload
	}
	submission.Report = buildReport(submission, summary, review, breakdown, degraded)
	submission.Status = models.StatusCompleted

	// The one failure allowed to escape the pipeline: without this write no
	// coherent terminal state exists.
	if err := p.repo.Update(ctx, &submission); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("persist final state: %w", err)
	}

	observability.GradingRuns().WithLabelValues(models.StatusCompleted).Inc()
	logger.Info().Str("grade", grade).Float64("total_score", total).Msg("grading run completed")
	p.publisher.Completed(ctx, dto.NewSubmissionResponse(submission))

	return nil
}

// advance commits a forward status transition together with any phase output
// already staged on the record, then announces it to observers.
func (p *Pipeline) advance(ctx context.Context, submission *models.Submission, status string) error {
	submission.Status = status
	if err := p.repo.Update(ctx, submission); err != nil {
		return fmt.Errorf("persist %s transition: %w", status, err)
	}

	p.publisher.Progress(ctx, dto.ProgressEvent{
		SubmissionID:    submission.ID,
		Status:          status,
		ProgressPercent: phasePercent[status],
		CurrentStep:     phaseSteps[status],
	})

	return nil
}

func (p *Pipeline) fail(ctx context.Context, submission *models.Submission, phase, message string) error {
	submission.Status = models.StatusFailed
	submission.Error = message
	if err := p.repo.Update(ctx, submission); err != nil {
		return fmt.Errorf("persist failure state: %w", err)
	}

	observability.GradingRuns().WithLabelValues(models.StatusFailed).Inc()
	p.publisher.Failed(ctx, submission.ID, phase, message)

	return nil
}

// review obtains the AI quality assessment, degrading to a zero-score result
// on any adapter failure rather than aborting the run.
func (p *Pipeline) review(ctx context.Context, dir string, submission models.Submission, summary models.TestRunSummary, rubric Rubric, fileGlobs []string) (ai.ReviewResult, bool) {
	if p.reviewer == nil {
		p.logger.Warn().Str("submission_id", submission.ID).Msg("no reviewer configured, recording degraded analysis")
		return ai.ReviewResult{}, true
	}

	sources := workspace.CollectSources(dir, fileGlobs, p.fileCap)
	files := make([]ai.ReviewFile, 0, len(sources))
	for _, source := range sources {
		files = append(files, ai.ReviewFile{Path: source.Path, Content: source.Content})
	}

	result, err := p.reviewer.Review(ctx, ai.ReviewInput{
		ProjectType: submission.ProjectType,
		Native:      models.IsNativeProjectType(submission.ProjectType),
		Files:       files,
		TestsPassed: summary.Passed,
		TestsTotal:  summary.Total,
		TestDetail:  summary.Detail,
		Rubric:      rubricLines(rubric),
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("submission_id", submission.ID).Msg("quality review failed, recording degraded analysis")
		return ai.ReviewResult{}, true
	}

	result.Summary = strings.TrimSpace(p.sanitizer.Sanitize(result.Summary))
	return result, false
}

func rubricLines(rubric Rubric) []ai.RubricLine {
	lines := make([]ai.RubricLine, 0, len(rubric))
	for _, category := range categoryOrder {
		if entry, ok := rubric[category]; ok {
			lines = append(lines, ai.RubricLine{
				Category: category,
				Weight:   entry.Weight,
				MaxScore: entry.MaxScore,
			})
		}
	}
	return lines
}

func testSubscore(summary models.TestRunSummary) float64 {
	if summary.Total <= 0 {
		return 0
	}
	return float64(summary.Passed) / float64(summary.Total) * 100
}

const degradationNote = "> **Note:** AI analysis did not succeed for this submission. " +
	"The code quality subscore has been recorded as 0; test-derived scores are unaffected."

func buildReport(submission models.Submission, summary models.TestRunSummary, review ai.ReviewResult, breakdown []models.ScoreBreakdownEntry, degraded bool) string {
	builder := strings.Builder{}
	builder.WriteString("# Grading Report\n\n")
	fmt.Fprintf(&builder, "- Repository: %s\n", submission.RepoURL)
	fmt.Fprintf(&builder, "- Project type: %s\n", submission.ProjectType)
	fmt.Fprintf(&builder, "- Total score: %.2f / 100\n", submission.TotalScore)
	fmt.Fprintf(&builder, "- Grade: %s\n\n", submission.Grade)

	builder.WriteString("## Test Results\n\n")
	fmt.Fprintf(&builder, "%d of %d tests passed in %.2fs.\n\n", summary.Passed, summary.Total, summary.DurationSeconds)

	builder.WriteString("## Score Breakdown\n\n")
	builder.WriteString("| Category | Score | Max |\n|---|---|---|\n")
	for _, entry := range breakdown {
		fmt.Fprintf(&builder, "| %s | %.2f | %.0f |\n", entry.Category, entry.Score, entry.MaxScore)
	}
	builder.WriteString("\n")

	builder.WriteString("## Quality Review\n\n")
	if degraded {
		builder.WriteString(degradationNote)
		builder.WriteString("\n")
	} else {
		builder.WriteString(review.Summary)
		builder.WriteString("\n")
		for _, entry := range breakdown {
			if entry.Feedback != "" {
				fmt.Fprintf(&builder, "\n### %s\n\n%s\n", entry.Category, entry.Feedback)
			}
		}
	}

	return builder.String()
}
