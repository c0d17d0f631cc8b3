package api

import (
	"github.com/gofiber/fiber/v2"
)

// Every JSON endpoint answers with the same envelope:
// {code, message, success, data}. code mirrors the HTTP status.

// RespondSuccess sends a 200 envelope with data.
func RespondSuccess(c *fiber.Ctx, data interface{}) error {
	return RespondWithMessage(c, "success", data)
}

// RespondWithMessage sends a 200 envelope with a custom message.
func RespondWithMessage(c *fiber.Ctx, message string, data interface{}) error {
	return c.JSON(fiber.Map{
		"code":    fiber.StatusOK,
		"message": message,
		"success": true,
		"data":    data,
	})
}

// RespondCreated sends a 201 envelope with data.
func RespondCreated(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"code":    fiber.StatusCreated,
		"message": "created",
		"success": true,
		"data":    data,
	})
}

// RespondError sends the error envelope with a null data field.
func RespondError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"code":    status,
		"message": message,
		"success": false,
		"data":    nil,
	})
}
