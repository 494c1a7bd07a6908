package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/vanpelt/shellhost/internal/manager"
	"github.com/vanpelt/shellhost/internal/ptyproc"
	"github.com/vanpelt/shellhost/internal/session"
	"github.com/vanpelt/shellhost/internal/workspace"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var wdErr *manager.WorkingDirectoryError
	switch {
	case errors.Is(err, manager.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, manager.ErrDuplicateAlias), errors.Is(err, workspace.ErrPortInUse):
		return fiber.StatusConflict
	case errors.As(err, &wdErr), errors.Is(err, ptyproc.ErrInvalidSize):
		return fiber.StatusBadRequest
	case errors.Is(err, session.ErrProcessSpawn):
		return fiber.StatusBadGateway
	case errors.Is(err, session.ErrSessionTerminated):
		return fiber.StatusGone
	case errors.Is(err, workspace.ErrNoPortsAvailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"error": err.Error(),
	})
}
