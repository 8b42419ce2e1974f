package serverutils

import (
	"errors"

	"ai-research-be/internal/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandlerMiddleware turns any error escaping a handler into a JSON error envelope.
// Internal details are logged, never returned.
func ErrorHandlerMiddleware(log logger.ILogger) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		err := ctx.Next()
		if err == nil {
			return nil
		}

		var fe *fiber.Error
		switch {
		case errors.As(err, &fe):
			return ctx.Status(fe.Code).JSON(ErrorResponse(fe.Code, fe.Message))
		case errors.Is(err, ErrValidation):
			return ctx.Status(fiber.StatusBadRequest).JSON(ErrorResponse(fiber.StatusBadRequest, err.Error()))
		default:
			log.Error("HTTP", "Unhandled request error", map[string]interface{}{
				"path":  ctx.Path(),
				"error": err.Error(),
			})
			return ctx.Status(fiber.StatusInternalServerError).JSON(ErrorResponse(fiber.StatusInternalServerError, "internal server error"))
		}
	}
}
