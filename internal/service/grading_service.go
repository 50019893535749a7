package service

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/dto"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/models"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/repository"
)

// ErrSubmissionNotFound indicates the grading run cannot be located.
var ErrSubmissionNotFound = errors.New("submission not found")

// ErrSubmissionForbidden indicates the caller may not access the run.
var ErrSubmissionForbidden = errors.New("forbidden")

// ErrReportNotReady indicates no report has been produced yet.
var ErrReportNotReady = errors.New("report not available")

const defaultListLimit = 20

// GradingService exposes the grading intake and query operations.
type GradingService interface {
	Submit(ctx context.Context, ownerID uint, payload dto.GradeRequest) (dto.GradeAccepted, error)
	Get(ctx context.Context, id string, viewerID uint, role string) (dto.SubmissionResponse, error)
	List(ctx context.Context, query dto.SubmissionListQuery, viewerID uint, role string) ([]dto.SubmissionResponse, error)
	Report(ctx context.Context, id string, viewerID uint, role string) (string, error)
}

type gradingService struct {
	repo      repository.SubmissionRepository
	pipeline  *Pipeline
	scheduler *Scheduler
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewGradingService constructs the grading service.
func NewGradingService(repo repository.SubmissionRepository, pipeline *Pipeline, scheduler *Scheduler, validate *validator.Validate, logger zerolog.Logger) GradingService {
	return &gradingService{
		repo:      repo,
		pipeline:  pipeline,
		scheduler: scheduler,
		validator: validate,
		logger:    logger.With().Str("component", "grading_service").Logger(),
	}
}

// Submit validates the request, persists the submission at uploading, and
// hands the pipeline run to the admission scheduler. The acknowledgment is
// returned immediately; grading proceeds asynchronously.
func (s *gradingService) Submit(ctx context.Context, ownerID uint, payload dto.GradeRequest) (dto.GradeAccepted, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.GradeAccepted{}, err
	}

	projectType := strings.ToLower(strings.TrimSpace(payload.ProjectType))
	rubric, err := NormalizeRubric(payload.Rubric, projectType)
	if err != nil {
		return dto.GradeAccepted{}, err
	}

	submission := models.Submission{
		ID:          uuid.NewString(),
		RepoURL:     strings.TrimSpace(payload.RepoURL),
		ProjectType: projectType,
		OwnerID:     ownerID,
		Status:      models.StatusUploading,
		Grade:       models.GradePending,
	}

	if err := s.repo.Create(ctx, &submission); err != nil {
		return dto.GradeAccepted{}, err
	}

	fileGlobs := payload.FileGlobs
	s.scheduler.Enqueue(func(runCtx context.Context) error {
		return s.pipeline.Run(runCtx, submission, rubric, fileGlobs)
	})

	return dto.GradeAccepted{ID: submission.ID, Status: submission.Status}, nil
}

func (s *gradingService) Get(ctx context.Context, id string, viewerID uint, role string) (dto.SubmissionResponse, error) {
	submission, err := s.fetch(ctx, id, viewerID, role)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	return dto.NewSubmissionResponse(submission), nil
}

func (s *gradingService) List(ctx context.Context, query dto.SubmissionListQuery, viewerID uint, role string) ([]dto.SubmissionResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	filter := repository.SubmissionFilter{
		OwnerID: query.OwnerID,
		Status:  query.Status,
		Skip:    query.Skip,
		Limit:   query.Limit,
	}

	// Students only see their own runs; instructors and admins see all.
	if !canReadAll(role) {
		filter.OwnerID = &viewerID
	}

	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}

	submissions, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	return dto.NewSubmissionResponseSlice(submissions), nil
}

// Report returns the stored markdown report verbatim.
func (s *gradingService) Report(ctx context.Context, id string, viewerID uint, role string) (string, error) {
	submission, err := s.fetch(ctx, id, viewerID, role)
	if err != nil {
		return "", err
	}

	if !submission.HasReport() {
		return "", ErrReportNotReady
	}

	return submission.Report, nil
}

func (s *gradingService) fetch(ctx context.Context, id string, viewerID uint, role string) (models.Submission, error) {
	submission, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}

	if submission.OwnerID != viewerID && !canReadAll(role) {
		return models.Submission{}, ErrSubmissionForbidden
	}

	return submission, nil
}

func canReadAll(role string) bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "instructor", "admin":
		return true
	default:
		return false
	}
}
