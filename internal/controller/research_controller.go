package controller

import (
	"bufio"
	"context"

	"ai-research-be/internal/dto"
	"ai-research-be/internal/pkg/logger"
	"ai-research-be/internal/pkg/serverutils"
	"ai-research-be/internal/service"
	internalWS "ai-research-be/internal/websocket"
	"ai-research-be/pkg/ratelimit"
	"ai-research-be/pkg/research"
	"ai-research-be/pkg/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const contentTypeNDJSON = "application/x-ndjson"

type IResearchController interface {
	RegisterRoutes(r fiber.Router)
	Query(ctx *fiber.Ctx) error
	QuerySocket(ctx *fiber.Ctx) error
	Health(ctx *fiber.Ctx) error
}

type researchController struct {
	base    context.Context
	service service.IResearchService
	limiter ratelimit.Limiter
	hub     *internalWS.Hub
	logger  logger.ILogger
}

// NewResearchController streams run under base, so cancelling base stops every open stream.
func NewResearchController(
	base context.Context,
	service service.IResearchService,
	limiter ratelimit.Limiter,
	hub *internalWS.Hub,
	log logger.ILogger,
) IResearchController {
	return &researchController{
		base:    base,
		service: service,
		limiter: limiter,
		hub:     hub,
		logger:  log,
	}
}

func (c *researchController) RegisterRoutes(r fiber.Router) {
	r.Get("/health", c.Health)
	r.Post("/query", serverutils.RateLimitMiddleware(c.limiter, c.logger), c.Query)
	r.Get("/ws/query", c.QuerySocket)
}

// Query answers with a newline-delimited JSON stream of progress events.
func (c *researchController) Query(ctx *fiber.Ctx) error {
	var req dto.QueryRequest
	if err := ctx.BodyParser(&req); err != nil {
		return c.reject(ctx, "invalid request body")
	}
	if err := c.service.Validate(&req); err != nil {
		return c.reject(ctx, err.Error())
	}

	ctx.Set(fiber.HeaderContentType, contentTypeNDJSON)
	ctx.Set(fiber.HeaderCacheControl, "no-cache")
	ctx.Set("X-Accel-Buffering", "no")

	// The writer runs after the handler returns, so it must not touch ctx.
	ctx.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		c.service.Stream(c.base, &req, stream.NewNDJSONSink(w))
	})
	return nil
}

// reject answers a request that never reached the pipeline with a single error line.
func (c *researchController) reject(ctx *fiber.Ctx, message string) error {
	line, err := stream.Encode(research.Error(research.KindValidation, message))
	if err != nil {
		return err
	}
	ctx.Set(fiber.HeaderContentType, contentTypeNDJSON)
	return ctx.Status(fiber.StatusBadRequest).Send(append(line, '\n'))
}

func (c *researchController) QuerySocket(ctx *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(ctx) {
		return fiber.ErrUpgradeRequired
	}
	ip := ctx.IP()
	return websocket.New(func(conn *websocket.Conn) {
		c.logger.Info("WEBSOCKET", "Research socket opened", map[string]interface{}{"client": ip})
		internalWS.ServeWs(c.hub, conn, ip, c.service, c.limiter, c.logger)
		c.logger.Info("WEBSOCKET", "Research socket closed", map[string]interface{}{"client": ip})
	})(ctx)
}

func (c *researchController) Health(ctx *fiber.Ctx) error {
	return ctx.JSON(serverutils.SuccessResponse("Service is healthy", dto.HealthResponse{
		Status:   "ok",
		Sessions: c.service.ActiveSessions(),
		Sockets:  c.hub.Count(),
	}))
}
