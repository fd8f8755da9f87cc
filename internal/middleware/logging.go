package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/storageinator/backend/pkg/logger"
)

const requestIDKey = "requestID"

func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = logger.GenerateRequestID()
		}
		c.Locals(requestIDKey, requestID)
		c.Set("X-Request-ID", requestID)

		err := c.Next()

		latency := time.Since(start)
		statusCode := c.Response().StatusCode()

		details := map[string]interface{}{
			"method":        c.Method(),
			"path":          c.Path(),
			"status_code":   statusCode,
			"latency_ms":    latency.Milliseconds(),
			"user_agent":    c.Get("User-Agent"),
			"ip":            c.IP(),
			"request_body":  logger.GetRequestBodySummary(c),
			"response_body": logger.GetResponseSizeSummary(c),
			"request_id":    requestID,
		}

		userID := logger.GetUserIDFromContext(c)
		if userID != nil {
			if statusCode >= 500 {
				logger.ErrorWithUser(*userID, "http_request", err, details)
			} else {
				logger.InfoWithUser(*userID, "http_request", details)
			}
		} else {
			if statusCode >= 500 {
				logger.Error("http_request", err, details)
			} else {
				logger.Info("http_request", details)
			}
		}

		return err
	}
}

func SecurityLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		statusCode := c.Response().StatusCode()
		if statusCode != fiber.StatusForbidden && statusCode != fiber.StatusUnauthorized {
			return err
		}

		userID := logger.GetUserIDFromContext(c)
		details := map[string]interface{}{
			"method": c.Method(),
			"path":   c.Path(),
			"ip":     c.IP(),
			"reason": "access_denied",
		}
		if statusCode == fiber.StatusUnauthorized {
			details["reason"] = "unauthenticated"
		}

		if userID != nil {
			logger.WarnWithUser(*userID, "access_denied", details)
		} else {
			logger.Warn("access_denied_unauthenticated", details)
		}
		return err
	}
}

// GetRequestID returns the id RequestLogger assigned, or "".
func GetRequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestIDKey).(string); ok {
		return id
	}
	return ""
}
