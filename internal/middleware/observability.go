package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/observability"
)

const slowRequestThreshold = 2 * time.Second

// Observability records request counts and latency per route. The route
// label uses the registered route pattern, not the raw path, so that
// cardinality stays bounded with path parameters.
func Observability(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		route := c.Route().Path
		if route == "" {
			route = "unmatched"
		}

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}

		elapsed := time.Since(start)
		observability.HTTPRequests().WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		observability.HTTPLatency().WithLabelValues(c.Method(), route).Observe(elapsed.Seconds())

		if elapsed > slowRequestThreshold {
			log.Warn().
				Str("method", c.Method()).
				Str("route", route).
				Str("correlation_id", GetCorrelationID(c)).
				Dur("elapsed", elapsed).
				Int("status", status).
				Msg("slow request")
		}

		return err
	}
}
