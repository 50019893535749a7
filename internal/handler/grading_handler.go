package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/dto"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/middleware"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/service"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/utils"
)

const progressPingInterval = 30 * time.Second

// GradingHandler exposes submission intake, queries, report download, and
// the websocket progress stream.
type GradingHandler struct {
	service   service.GradingService
	publisher service.ProgressPublisher
	logger    zerolog.Logger
}

// NewGradingHandler constructs a grading handler instance.
func NewGradingHandler(svc service.GradingService, publisher service.ProgressPublisher, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		service:   svc,
		publisher: publisher,
		logger:    logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register binds the grading routes under the provided router group.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Post("/", h.submit)
	router.Get("/", h.list)
	router.Get("/:id", h.get)
	router.Get("/:id/report", h.report)

	router.Use("/:id/progress", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/:id/progress", websocket.New(h.progress))
}

func (h *GradingHandler) submit(c *fiber.Ctx) error {
	ownerID := userIDFromContext(c)
	if ownerID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var payload dto.GradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	ctx := requestContext(c)

	accepted, err := h.service.Submit(ctx, ownerID, payload)
	if err != nil {
		if isValidationError(err) || isRubricError(err) {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to accept grading submission")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to accept submission")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "submission accepted", accepted)
}

func (h *GradingHandler) get(c *fiber.Ctx) error {
	ownerID := userIDFromContext(c)
	if ownerID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	id := c.Params("id")
	if id == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "submission id required")
	}

	submission, err := h.service.Get(requestContext(c), id, ownerID, userRoleFromContext(c))
	if err != nil {
		return h.queryError(c, err)
	}

	return utils.SendSuccess(c, "submission", submission)
}

func (h *GradingHandler) list(c *fiber.Ctx) error {
	ownerID := userIDFromContext(c)
	if ownerID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	skip, err := parseQueryInt(c, "skip")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid skip")
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	query := dto.SubmissionListQuery{Skip: skip, Limit: limit}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		query.Status = &status
	}
	if raw := strings.TrimSpace(c.Query("owner_id")); raw != "" {
		owner, err := parseQueryInt(c, "owner_id")
		if err != nil || owner < 0 {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid owner_id")
		}
		ownerFilter := uint(owner)
		query.OwnerID = &ownerFilter
	}

	submissions, err := h.service.List(requestContext(c), query, ownerID, userRoleFromContext(c))
	if err != nil {
		if isValidationError(err) {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list grading submissions")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list submissions")
	}

	return utils.SendSuccess(c, "submissions", submissions)
}

// report serves the stored markdown verbatim so repeated downloads are
// byte-identical.
func (h *GradingHandler) report(c *fiber.Ctx) error {
	ownerID := userIDFromContext(c)
	if ownerID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	id := c.Params("id")
	if id == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "submission id required")
	}

	report, err := h.service.Report(requestContext(c), id, ownerID, userRoleFromContext(c))
	if err != nil {
		return h.queryError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/markdown; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", "grading-report-"+id+".md"))
	return c.SendString(report)
}

func (h *GradingHandler) progress(conn *websocket.Conn) {
	submissionID := conn.Params("id")
	if submissionID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(fiber.StatusBadRequest, "submission id required"))
		_ = conn.Close()
		return
	}

	viewerID, role := websocketViewer(conn)
	if viewerID == 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(fiber.StatusUnauthorized, "user not authenticated"))
		_ = conn.Close()
		return
	}

	// The same read rules as the query endpoints apply to the stream.
	if _, err := h.service.Get(context.Background(), submissionID, viewerID, role); err != nil {
		code := fiber.StatusInternalServerError
		switch {
		case errors.Is(err, service.ErrSubmissionNotFound):
			code = fiber.StatusNotFound
		case errors.Is(err, service.ErrSubmissionForbidden):
			code = fiber.StatusForbidden
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "submission not accessible"))
		_ = conn.Close()
		return
	}

	events, cleanup := h.publisher.Subscribe(submissionID)
	defer cleanup()
	defer func() { _ = conn.Close() }()

	h.logger.Debug().Str("submission_id", submissionID).Msg("progress stream opened")

	// Drain the read side so close frames and pongs are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(progressPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug().Err(err).Str("submission_id", submissionID).Msg("failed to write grading event")
				return
			}
			if event.Type == dto.EventTypeCompleted || event.Type == dto.EventTypeError {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *GradingHandler) queryError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrSubmissionForbidden):
		return utils.SendError(c, fiber.StatusForbidden, "access denied")
	case errors.Is(err, service.ErrReportNotReady):
		return utils.SendError(c, fiber.StatusNotFound, "report not available")
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("grading query failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal error")
	}
}

func isRubricError(err error) bool {
	return errors.Is(err, service.ErrUnknownRubricCategory) || errors.Is(err, service.ErrRubricWeights)
}

func websocketViewer(conn *websocket.Conn) (uint, string) {
	var viewerID uint
	switch v := conn.Locals("user_id").(type) {
	case uint:
		viewerID = v
	case int:
		if v > 0 {
			viewerID = uint(v)
		}
	case float64:
		if v > 0 {
			viewerID = uint(v)
		}
	}

	role, _ := conn.Locals("user_role").(string)
	return viewerID, role
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}
