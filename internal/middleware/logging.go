package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/aqua-ct/server/internal/logger"
)

// RequestIDKey is the context key for request ID
const RequestIDKey = "request_id"

// LoggerKey is the context key for logger instance
const LoggerKey = "logger"

// Locals keys the /aquaserver/* handlers use to hand the CT-domain outcome
// of a request (which test was dispatched, or how a reported result landed)
// back up to this middleware and to TracingMiddleware, so request logs and
// spans carry coordinator domain fields without handlers importing either.
const (
	DispatchSnapshotKey = "ct_dispatch_snapshot"
	DispatchTestKey     = "ct_dispatch_test"
	DispatchMissKey     = "ct_dispatch_miss"
	ResultSnapshotKey   = "ct_result_snapshot"
	ResultPassedKey     = "ct_result_passed"
)

// RequestLogging creates a middleware for request/response logging with correlation IDs
func RequestLogging(log logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Generate request ID
		requestID := uuid.New().String()

		// Store request ID in context
		c.Locals(RequestIDKey, requestID)

		// Create request-scoped logger
		requestLogger := log.WithRequest(requestID)
		c.Locals(LoggerKey, requestLogger)

		// Log request
		start := time.Now()
		requestLogger.Info("Request started",
			logger.String("method", c.Method()),
			logger.String("path", c.Path()),
			logger.String("ip", c.IP()),
			logger.String("user_agent", c.Get("User-Agent")),
		)

		// Process request
		err := c.Next()

		// Calculate duration
		duration := time.Since(start)

		// Log response
		status := c.Response().StatusCode()
		logFields := []logger.Field{
			logger.String("method", c.Method()),
			logger.String("path", c.Path()),
			logger.Int("status", status),
			logger.Duration("duration", duration),
			logger.Int("response_size", len(c.Response().Body())),
		}
		logFields = append(logFields, dispatchOutcomeFields(c)...)

		// Log level based on status code
		switch {
		case status >= 500:
			requestLogger.Error("Request completed", logFields...)
		case status >= 400:
			requestLogger.Warn("Request completed", logFields...)
		default:
			requestLogger.Info("Request completed", logFields...)
		}

		// Log error if present
		if err != nil {
			requestLogger.Error("Request error",
				logger.Error(err),
				logger.String("method", c.Method()),
				logger.String("path", c.Path()),
			)
		}

		return err
	}
}

// dispatchOutcomeFields surfaces whatever CT-domain outcome the handler
// recorded in locals (a dispatched snapshot/test, a dispatch miss, or a
// reported result's snapshot/pass state) as structured log fields, so the
// request-completed line carries coordinator-specific context instead of
// generic HTTP data alone.
func dispatchOutcomeFields(c *fiber.Ctx) []logger.Field {
	var fields []logger.Field
	if snap, ok := c.Locals(DispatchSnapshotKey).(string); ok {
		fields = append(fields, logger.String("ct_dispatch_snapshot", snap))
	}
	if test, ok := c.Locals(DispatchTestKey).(string); ok {
		fields = append(fields, logger.String("ct_dispatch_test", test))
	}
	if miss, ok := c.Locals(DispatchMissKey).(bool); ok && miss {
		fields = append(fields, logger.String("ct_dispatch", "miss"))
	}
	if snap, ok := c.Locals(ResultSnapshotKey).(string); ok {
		fields = append(fields, logger.String("ct_result_snapshot", snap))
	}
	if passed, ok := c.Locals(ResultPassedKey).(bool); ok {
		fields = append(fields, logger.Bool("ct_result_passed", passed))
	}
	return fields
}

// GetRequestID returns the request ID from the context
func GetRequestID(c *fiber.Ctx) string {
	if requestID, ok := c.Locals(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetLogger returns the request-scoped logger from the context
func GetLogger(c *fiber.Ctx) logger.Logger {
	if log, ok := c.Locals(LoggerKey).(logger.Logger); ok {
		return log
	}
	// Return default logger as fallback
	return logger.NewFromConfig("info", "text")
}