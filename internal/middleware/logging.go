package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"

	"github.com/neogan74/poshost/internal/logger"
)

// Locals keys set by RequestLogging.
const (
	RequestIDKey = "request_id"
	LoggerKey    = "logger"
)

// RequestLogging tags each request with an id (the caller's X-Request-ID
// when present), hands handlers a logger carrying it and logs the outcome.
// Successful requests to quiet paths are not logged.
func RequestLogging(log logger.Logger, quiet ...string) fiber.Handler {
	quietPaths := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		quietPaths[p] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		id := utils.CopyString(c.Get(fiber.HeaderXRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		reqLog := log.WithRequest(id)
		c.Locals(RequestIDKey, id)
		c.Locals(LoggerKey, reqLog)
		c.Set(fiber.HeaderXRequestID, id)

		start := time.Now()
		err := c.Next()
		status := responseStatus(c, err)

		fields := []logger.Field{
			logger.String("method", c.Method()),
			logger.String("path", c.Path()),
			logger.Int("status", status),
			logger.Duration("duration", time.Since(start)),
		}
		if op := c.Params("op"); op != "" {
			fields = append(fields, logger.String("operation", op))
		}

		if status >= fiber.StatusInternalServerError {
			reqLog.Error("Bridge request", append(fields, logger.Error(err))...)
		} else if status >= fiber.StatusBadRequest {
			reqLog.Warn("Bridge request", fields...)
		} else if _, ok := quietPaths[c.Path()]; !ok {
			reqLog.Debug("Bridge request", fields...)
		}
		return err
	}
}

// GetRequestID returns the id assigned by RequestLogging, or "".
func GetRequestID(c *fiber.Ctx) string {
	id, _ := c.Locals(RequestIDKey).(string)
	return id
}

// GetLogger returns the request logger, or the process default outside
// RequestLogging.
func GetLogger(c *fiber.Ctx) logger.Logger {
	if l, ok := c.Locals(LoggerKey).(logger.Logger); ok {
		return l
	}
	return logger.GetDefault()
}
