package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/cloudpaste/cloudpaste/internal/driver"
	"github.com/cloudpaste/cloudpaste/internal/streaming"
)

// mapError converts internal errors to an HTTP status plus user-facing
// message. Driver errors carry their own status; anything else goes
// through the streaming layer's code mapping.
func mapError(err error) (int, string) {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code, fe.Message
	}

	var de *driver.Error
	if errors.As(err, &de) {
		return de.HTTPStatusCode(), de.ErrorMessage()
	}

	status, _, message := streaming.MapError(err)
	if message == "" {
		message = err.Error()
	}
	return status, message
}

// respondMapped answers an operation failure through the envelope.
func respondMapped(c *fiber.Ctx, err error) error {
	status, message := mapError(err)
	return RespondError(c, status, message)
}
