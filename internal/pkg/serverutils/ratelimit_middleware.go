package serverutils

import (
	"math"
	"strconv"

	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/ratelimit"

	"github.com/gofiber/fiber/v2"
)

// RateLimitMiddleware admits requests per client IP. Denied requests get a bare 429
// with a Retry-After header (seconds) and never reach the handler.
func RateLimitMiddleware(limiter ratelimit.Limiter, log logger.ILogger) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		key := ctx.IP()
		decision, err := limiter.Admit(ctx.UserContext(), key)
		if err != nil {
			// a broken limiter backend must not take the service down
			log.Error("RATELIMIT", "Rate limiter unavailable, admitting request", map[string]interface{}{
				"error": err.Error(),
			})
			return ctx.Next()
		}
		if !decision.Allowed {
			seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			ctx.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
			log.Info("RATELIMIT", "Request rate limited", map[string]interface{}{
				"client":      key,
				"retry_after": seconds,
			})
			ctx.Status(fiber.StatusTooManyRequests)
			return nil
		}
		return ctx.Next()
	}
}
