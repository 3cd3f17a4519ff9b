package middleware

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/aqua-ct/server/internal/metrics"
	"github.com/aqua-ct/server/internal/ratelimit"
)

// RateLimitMiddleware guards the /aquaserver/* endpoints against a runaway or
// misbehaving browser client. Limiting is IP-keyed only: reporting clients
// are never authenticated in this coordinator, so there is no API key to
// key off.
func RateLimitMiddleware(service *ratelimit.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		clientIP := c.IP()

		if service.Allow(clientIP) {
			metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
			return c.Next()
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("exceeded").Inc()
		metrics.RateLimitExceeded.Inc()

		c.Set("Retry-After", "1")
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":   "rate_limit_exceeded",
			"message": fmt.Sprintf("rate limit exceeded for %s", clientIP),
		})
	}
}
