package bridge

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/neogan74/poshost/internal/hosterr"
)

// Result codes that do not come from a hosterr.Kind.
const (
	CodeUnauthorized     = "unauthorized"
	CodeRateLimited      = "rate_limited"
	CodeUnknownOperation = "unknown_operation"
	CodeBadRequest       = "bad_request"
)

// Result is the envelope of every invocation, successful or not.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	// NeedsRestart is set when the operation left changes that apply only
	// after the host restarts.
	NeedsRestart bool `json:"needsRestart,omitempty"`
}

// restartNotice is implemented by operation results that may defer work
// to the next boot.
type restartNotice interface {
	RequiresRestart() bool
}

func success(data any) Result {
	r := Result{Success: true, Data: data}
	if n, ok := data.(restartNotice); ok {
		r.NeedsRestart = n.RequiresRestart()
	}
	return r
}

// failure renders err. Unclassified errors are reported as internal without
// their message.
func failure(err error, data any) Result {
	var he *hosterr.Error
	if !errors.As(err, &he) {
		return Result{Error: "internal error", Code: string(hosterr.Internal)}
	}
	r := Result{Error: string(he.Kind), Code: string(he.Kind)}
	if he.Err != nil {
		r.Error = he.Err.Error()
	}
	if n, ok := data.(restartNotice); ok {
		r.NeedsRestart = n.RequiresRestart()
	}
	return r
}

// httpStatus maps a failure code to the response status.
func httpStatus(code string) int {
	switch code {
	case "":
		return fiber.StatusOK
	case string(hosterr.InvalidArgument), CodeBadRequest:
		return fiber.StatusBadRequest
	case CodeUnauthorized:
		return fiber.StatusUnauthorized
	case string(hosterr.NotFound), CodeUnknownOperation:
		return fiber.StatusNotFound
	case string(hosterr.Busy), string(hosterr.RestoreConflict), string(hosterr.LockConflict):
		return fiber.StatusConflict
	case CodeRateLimited:
		return fiber.StatusTooManyRequests
	case string(hosterr.Cancelled):
		return fiber.StatusRequestTimeout
	case string(hosterr.StartupFailure), string(hosterr.ProcessCrash):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// fiberCode maps a transport-level rejection to a result code.
func fiberCode(status int) string {
	switch status {
	case fiber.StatusUnauthorized:
		return CodeUnauthorized
	case fiber.StatusTooManyRequests:
		return CodeRateLimited
	case fiber.StatusNotFound:
		return CodeUnknownOperation
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge, fiber.StatusMethodNotAllowed:
		return CodeBadRequest
	default:
		return string(hosterr.Internal)
	}
}
