package middleware

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/neogan74/poshost/internal/logger"
)

// ErrorResponse is the body of failed non-invocation routes such as /media
// and /health. Invocations answer with the bridge result envelope instead.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func BadRequest(c *fiber.Ctx, message string) error {
	return writeError(c, fiber.StatusBadRequest, message)
}

func NotFound(c *fiber.Ctx, message string) error {
	return writeError(c, fiber.StatusNotFound, message)
}

func InternalServerError(c *fiber.Ctx, message string) error {
	return writeError(c, fiber.StatusInternalServerError, message)
}

// ErrorHandler is a fiber.ErrorHandler. A *fiber.Error keeps its status and
// message; any other error is logged and answered with a bare 500 so paths
// and OS messages stay on the host.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return writeError(c, fe.Code, fe.Message)
	}
	GetLogger(c).Error("Unhandled bridge error", logger.Error(err))
	return writeError(c, fiber.StatusInternalServerError, "")
}

func writeError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error:     StatusText(status),
		Message:   message,
		RequestID: GetRequestID(c),
		Timestamp: time.Now().UTC(),
	})
}

// responseStatus is the status the client will see, including errors the
// ErrorHandler has not rendered yet.
func responseStatus(c *fiber.Ctx, err error) int {
	if err == nil {
		return c.Response().StatusCode()
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

// StatusText is the reason phrase for status, or "Error" for unknown codes.
func StatusText(status int) string {
	if s := utils.StatusMessage(status); s != "" {
		return s
	}
	return "Error"
}
