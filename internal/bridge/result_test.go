package bridge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"

	"github.com/neogan74/poshost/internal/backup"
	"github.com/neogan74/poshost/internal/hosterr"
)

func TestFailureUsesKindAndCause(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", hosterr.Errorf(hosterr.Busy, "backup.create", "another backup operation is in progress"))
	res := failure(err, nil)

	assert.False(t, res.Success)
	assert.Equal(t, "busy", res.Code)
	assert.Equal(t, "another backup operation is in progress", res.Error)
	assert.False(t, res.NeedsRestart)
}

func TestFailureHidesUnclassifiedErrors(t *testing.T) {
	res := failure(errors.New("open /home/user/secret: permission denied"), nil)
	assert.Equal(t, string(hosterr.Internal), res.Code)
	assert.Equal(t, "internal error", res.Error)
}

func TestRestartNotice(t *testing.T) {
	res := success(backup.ImportResult{NeedsRestart: true})
	assert.True(t, res.Success)
	assert.True(t, res.NeedsRestart)

	res = failure(hosterr.Errorf(hosterr.RestoreConflict, "backup.restore", "in use"), backup.RestoreResult{NeedsRestart: true})
	assert.True(t, res.NeedsRestart)
	assert.Equal(t, "restore_conflict", res.Code)
}

func TestHTTPStatus(t *testing.T) {
	tests := map[string]int{
		"":                              fiber.StatusOK,
		string(hosterr.InvalidArgument): fiber.StatusBadRequest,
		string(hosterr.NotFound):        fiber.StatusNotFound,
		CodeUnknownOperation:            fiber.StatusNotFound,
		string(hosterr.Busy):            fiber.StatusConflict,
		string(hosterr.RestoreConflict): fiber.StatusConflict,
		CodeUnauthorized:                fiber.StatusUnauthorized,
		CodeRateLimited:                 fiber.StatusTooManyRequests,
		string(hosterr.StartupFailure):  fiber.StatusServiceUnavailable,
		string(hosterr.BackupIOFailure): fiber.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, httpStatus(code), code)
	}
}
