package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/dto"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/models"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/repository"
	"github.com/decagondev/section-ai-test-mark-mvp/pkg/ai"
)

type pipelineRepo struct {
	statuses  []string
	current   models.Submission
	updateErr error
	failAfter string
}

func (r *pipelineRepo) Create(ctx context.Context, submission *models.Submission) error {
	r.current = *submission
	return nil
}

func (r *pipelineRepo) Update(ctx context.Context, submission *models.Submission) error {
	if r.updateErr != nil && (r.failAfter == "" || submission.Status == r.failAfter) {
		return r.updateErr
	}
	r.statuses = append(r.statuses, submission.Status)
	r.current = *submission
	return nil
}

func (r *pipelineRepo) GetByID(ctx context.Context, id string) (models.Submission, error) {
	return r.current, nil
}

func (r *pipelineRepo) List(ctx context.Context, filter repository.SubmissionFilter) ([]models.Submission, error) {
	return nil, nil
}

type stubWorkspaces struct {
	dir        string
	acquireErr error
	installErr error
	testErr    error
	summary    models.TestRunSummary
	deps       []string
	cleaned    bool
}

func (w *stubWorkspaces) Acquire(ctx context.Context, repoURL string) (string, error) {
	if w.acquireErr != nil {
		return "", w.acquireErr
	}
	if w.dir == "" {
		w.dir = "/tmp/grading-test"
	}
	return w.dir, nil
}

func (w *stubWorkspaces) Install(ctx context.Context, dir, projectType string) error {
	return w.installErr
}

func (w *stubWorkspaces) RunTests(ctx context.Context, dir, projectType string) (models.TestRunSummary, error) {
	if w.testErr != nil {
		return models.TestRunSummary{}, w.testErr
	}
	return w.summary, nil
}

func (w *stubWorkspaces) Dependencies(dir, projectType string) []string {
	return w.deps
}

func (w *stubWorkspaces) Cleanup(dir string) {
	w.cleaned = true
}

type stubReviewer struct {
	result ai.ReviewResult
	err    error
	input  ai.ReviewInput
}

func (r *stubReviewer) Review(ctx context.Context, input ai.ReviewInput) (ai.ReviewResult, error) {
	r.input = input
	if r.err != nil {
		return ai.ReviewResult{}, r.err
	}
	return r.result, nil
}

func newTestSubmission() models.Submission {
	return models.Submission{
		ID:          "sub-1",
		RepoURL:     "https://github.com/example/project",
		ProjectType: "express",
		OwnerID:     7,
		Status:      models.StatusUploading,
		Grade:       models.GradePending,
	}
}

func TestPipelineSuccessfulRun(t *testing.T) {
	repo := &pipelineRepo{}
	workspaces := &stubWorkspaces{
		summary: models.TestRunSummary{Passed: 10, Total: 10, DurationSeconds: 2.5},
		deps:    []string{"express", "jest"},
	}
	reviewer := &stubReviewer{result: ai.ReviewResult{
		QualityScore: 80,
		Summary:      "Well organized project.",
		CategoryFeedback: map[string]string{
			CategoryCodeQuality: "Consistent naming throughout.",
		},
		Telemetry: ai.Telemetry{PromptTokens: 1200, CompletionTokens: 300, DurationMs: 900, Model: "gpt-4o-mini"},
	}}
	publisher := NewProgressPublisher(nil, nil, "", testLogger())

	events, cleanup := publisher.Subscribe("sub-1")
	defer cleanup()

	pipeline := NewPipeline(repo, workspaces, reviewer, publisher, testLogger())
	err := pipeline.Run(context.Background(), newTestSubmission(), DefaultRubric("express"), nil)
	require.NoError(t, err)

	final := repo.current
	require.Equal(t, models.StatusCompleted, final.Status)
	require.Equal(t, models.GradePass, final.Grade)
	require.Equal(t, 100.0, final.TestScore)
	require.Equal(t, 80.0, final.QualityScore)
	require.Equal(t, 90.0, final.TotalScore)
	require.True(t, final.HasReport())
	require.Contains(t, final.Report, "# Grading Report")
	require.Contains(t, final.Report, "10 of 10 tests passed")
	require.Contains(t, final.Report, "Well organized project.")
	require.NotContains(t, final.Report, "AI analysis did not succeed")

	var deps []string
	require.NoError(t, json.Unmarshal(final.Dependencies, &deps))
	require.Equal(t, []string{"express", "jest"}, deps)

	require.Equal(t, []string{
		models.StatusInstalling,
		models.StatusTesting,
		models.StatusReviewing,
		models.StatusReporting,
		models.StatusCompleted,
	}, repo.statuses)
	require.True(t, workspaces.cleaned)

	// The progress stream ends with the completion envelope.
	var collected []dto.GradingEvent
	for len(events) > 0 {
		collected = append(collected, <-events)
	}
	require.NotEmpty(t, collected)
	last := collected[len(collected)-1]
	require.Equal(t, dto.EventTypeCompleted, last.Type)
	require.NotNil(t, last.Completion)
	require.Equal(t, models.GradePass, last.Completion.Submission.Grade)

	percents := make([]int, 0, len(collected))
	for _, event := range collected[:len(collected)-1] {
		require.Equal(t, dto.EventTypeProgress, event.Type)
		percents = append(percents, event.Progress.ProgressPercent)
	}
	for i := 1; i < len(percents); i++ {
		require.GreaterOrEqual(t, percents[i], percents[i-1])
	}
}

func TestPipelineAcquisitionFailureIsTerminal(t *testing.T) {
	repo := &pipelineRepo{}
	workspaces := &stubWorkspaces{acquireErr: errors.New("repository not found")}
	publisher := NewProgressPublisher(nil, nil, "", testLogger())

	events, cleanup := publisher.Subscribe("sub-1")
	defer cleanup()

	pipeline := NewPipeline(repo, workspaces, &stubReviewer{}, publisher, testLogger())
	err := pipeline.Run(context.Background(), newTestSubmission(), DefaultRubric("express"), nil)
	require.NoError(t, err)

	final := repo.current
	require.Equal(t, models.StatusFailed, final.Status)
	require.Contains(t, final.Error, "repository acquisition failed")
	require.Contains(t, final.Error, "repository not found")
	require.Equal(t, models.GradePending, final.Grade)
	require.False(t, final.HasReport())
	require.Zero(t, final.TotalScore)

	var last dto.GradingEvent
	for len(events) > 0 {
		last = <-events
	}
	require.Equal(t, dto.EventTypeError, last.Type)
	require.NotNil(t, last.Error)
	require.Equal(t, models.StatusUploading, last.Error.Phase)
}

func TestPipelineInstallFailureIsTerminal(t *testing.T) {
	repo := &pipelineRepo{}
	workspaces := &stubWorkspaces{installErr: errors.New("npm install exited 1")}
	publisher := NewProgressPublisher(nil, nil, "", testLogger())

	pipeline := NewPipeline(repo, workspaces, &stubReviewer{}, publisher, testLogger())
	err := pipeline.Run(context.Background(), newTestSubmission(), DefaultRubric("express"), nil)
	require.NoError(t, err)

	final := repo.current
	require.Equal(t, models.StatusFailed, final.Status)
	require.Contains(t, final.Error, "dependency installation failed")
	require.True(t, workspaces.cleaned)
}

func TestPipelineReviewFailureDegradesQuality(t *testing.T) {
	repo := &pipelineRepo{}
	workspaces := &stubWorkspaces{
		summary: models.TestRunSummary{Passed: 8, Total: 10, DurationSeconds: 1.2},
	}
	reviewer := &stubReviewer{err: errors.New("model returned no parsable JSON")}
	publisher := NewProgressPublisher(nil, nil, "", testLogger())

	pipeline := NewPipeline(repo, workspaces, reviewer, publisher, testLogger())
	err := pipeline.Run(context.Background(), newTestSubmission(), DefaultRubric("express"), nil)
	require.NoError(t, err)

	final := repo.current
	require.Equal(t, models.StatusCompleted, final.Status)
	require.Equal(t, 80.0, final.TestScore)
	require.Zero(t, final.QualityScore)
	require.Equal(t, 40.0, final.TotalScore)
	require.Equal(t, models.GradeFail, final.Grade)
	require.Contains(t, final.Report, "AI analysis did not succeed")
	require.Empty(t, final.Telemetry)
}

func TestPipelineNilReviewerDegrades(t *testing.T) {
	repo := &pipelineRepo{}
	workspaces := &stubWorkspaces{
		summary: models.TestRunSummary{Passed: 10, Total: 10},
	}
	publisher := NewProgressPublisher(nil, nil, "", testLogger())

	pipeline := NewPipeline(repo, workspaces, nil, publisher, testLogger())
	err := pipeline.Run(context.Background(), newTestSubmission(), DefaultRubric("express"), nil)
	require.NoError(t, err)

	final := repo.current
	require.Equal(t, models.StatusCompleted, final.Status)
	require.Contains(t, final.Report, "AI analysis did not succeed")
}

func TestPipelineFinalPersistenceFailurePropagates(t *testing.T) {
	repo := &pipelineRepo{updateErr: errors.New("connection reset"), failAfter: models.StatusCompleted}
	workspaces := &stubWorkspaces{
		summary: models.TestRunSummary{Passed: 10, Total: 10},
	}
	reviewer := &stubReviewer{result: ai.ReviewResult{QualityScore: 90, Summary: "Good."}}
	publisher := NewProgressPublisher(nil, nil, "", testLogger())

	pipeline := NewPipeline(repo, workspaces, reviewer, publisher, testLogger())
	err := pipeline.Run(context.Background(), newTestSubmission(), DefaultRubric("express"), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "persist final state")
}

func TestPipelineSanitizesReviewSummary(t *testing.T) {
	repo := &pipelineRepo{}
	workspaces := &stubWorkspaces{
		summary: models.TestRunSummary{Passed: 10, Total: 10},
	}
	reviewer := &stubReviewer{result: ai.ReviewResult{
		QualityScore: 70,
		Summary:      `Solid work.<script>alert("x")</script>`,
	}}
	publisher := NewProgressPublisher(nil, nil, "", testLogger())

	pipeline := NewPipeline(repo, workspaces, reviewer, publisher, testLogger())
	err := pipeline.Run(context.Background(), newTestSubmission(), DefaultRubric("express"), nil)
	require.NoError(t, err)

	require.Contains(t, repo.current.Report, "Solid work.")
	require.NotContains(t, repo.current.Report, "<script>")
}

func TestPipelineNativeProjectUsesCodeSmell(t *testing.T) {
	repo := &pipelineRepo{}
	workspaces := &stubWorkspaces{
		summary: models.TestRunSummary{Passed: 3, Total: 4},
	}
	reviewer := &stubReviewer{result: ai.ReviewResult{
		QualityScore:   70,
		CodeSmellScore: 50,
		Summary:        "Manual memory handling needs care.",
	}}
	publisher := NewProgressPublisher(nil, nil, "", testLogger())

	submission := newTestSubmission()
	submission.ProjectType = "cpp"

	pipeline := NewPipeline(repo, workspaces, reviewer, publisher, testLogger())
	err := pipeline.Run(context.Background(), submission, DefaultRubric("cpp"), nil)
	require.NoError(t, err)

	require.True(t, reviewer.input.Native)
	require.Equal(t, 60.0, repo.current.TotalScore)
}
