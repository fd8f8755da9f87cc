package utils

import "github.com/gofiber/fiber/v2"

func Success(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

func Error(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

// ErrorWithCode adds a machine-readable code next to the message, e.g. the
// action a permission check denied.
func ErrorWithCode(c *fiber.Ctx, status int, message string, code string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
		"code":    code,
	})
}
