package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	reviewDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mark",
		Subsystem: "review",
		Name:      "duration_seconds",
		Help:      "Duration of AI review requests",
	}, []string{"model"})

	reviewFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "review",
		Name:      "failures_total",
		Help:      "Number of AI review failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI reviewer.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIReviewer implements Reviewer against the OpenAI chat completion API.
type OpenAIReviewer struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIReviewer builds a new reviewer using the provided configuration.
func NewOpenAIReviewer(cfg OpenAIConfig) (*OpenAIReviewer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	client := openai.NewClientWithConfig(openai.DefaultConfig(cfg.APIKey))

	return &OpenAIReviewer{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/decagondev/section-ai-test-mark-mvp/pkg/ai/openai"),
		logger: logger,
	}, nil
}

// Review sends a single review request to OpenAI and parses the response
// leniently. No retry is attempted; any failure surfaces to the caller for
// the zero-score fallback.
func (r *OpenAIReviewer) Review(parent context.Context, input ReviewInput) (ReviewResult, error) {
	ctx, span := r.tracer.Start(parent, "openai.review", trace.WithAttributes(
		attribute.String("model", r.cfg.Model),
		attribute.String("project_type", input.ProjectType),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: reviewerSystemPrompt(input.Native),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildReviewPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := r.client.CreateChatCompletion(ctx, request)
	duration := time.Since(start)
	reviewDuration.WithLabelValues(r.cfg.Model).Observe(duration.Seconds())
	if err != nil {
		reviewFailures.WithLabelValues(r.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ReviewResult{}, fmt.Errorf("openai review: %w", err)
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("no choices returned from openai")
		reviewFailures.WithLabelValues(r.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ReviewResult{}, err
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	result, ok := parseReviewResponse(content, r.logger)
	if !ok {
		reviewFailures.WithLabelValues(r.cfg.Model).Inc()
		span.SetStatus(codes.Error, ErrNoAnalysis.Error())
		return ReviewResult{}, ErrNoAnalysis
	}

	result.Telemetry = Telemetry{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		DurationMs:       duration.Milliseconds(),
		Model:            r.cfg.Model,
	}

	return result, nil
}

func reviewerSystemPrompt(native bool) string {
	base := "You are an automated code reviewer grading a student repository. Respond with a JSON object containing " +
		"quality_score (0-100), summary (markdown narrative), and category_feedback (object mapping rubric categories " +
		"to short feedback strings)."
	if native {
		return base + " This is a native-language project: additionally include code_smell_score (0-100) measuring " +
			"memory safety, resource handling, and undefined-behaviour risks."
	}
	return base + " Focus on structure, readability, error handling, and alignment with the test results."
}

func buildReviewPrompt(input ReviewInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Project Type\n")
	builder.WriteString(input.ProjectType)
	builder.WriteString("\n\n# Test Results\n")
	fmt.Fprintf(&builder, "%d of %d tests passed.\n", input.TestsPassed, input.TestsTotal)
	if input.TestDetail != "" {
		builder.WriteString("```\n")
		builder.WriteString(input.TestDetail)
		builder.WriteString("\n```\n")
	}

	builder.WriteString("\n# Rubric\n")
	for _, line := range input.Rubric {
		fmt.Fprintf(&builder, "- %s: weight %.2f, max score %.0f\n", line.Category, line.Weight, line.MaxScore)
	}

	builder.WriteString("\n# Source Files\n")
	for _, file := range input.Files {
		fmt.Fprintf(&builder, "\n## %s\n```\n%s\n```\n", file.Path, file.Content)
	}

	builder.WriteString("\nReturn JSON.")
	return builder.String()
}
