package bootstrap

import (
	"context"
	"fmt"
	"time"

	"ai-research-be/internal/config"
	"ai-research-be/internal/controller"
	"ai-research-be/internal/pkg/logger"
	"ai-research-be/internal/repository/memory"
	"ai-research-be/internal/service"
	"ai-research-be/internal/websocket"
	"ai-research-be/pkg/events"
	"ai-research-be/pkg/llm/factory"
	pkgNats "ai-research-be/pkg/nats"
	"ai-research-be/pkg/ratelimit"
	"ai-research-be/pkg/research"
	"ai-research-be/pkg/search"
	"ai-research-be/pkg/security"
	"ai-research-be/pkg/stream"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"
)

const auditDurable = "research-audit"

type Container struct {
	Logger             logger.ILogger
	ResearchController controller.IResearchController
	ResearchService    service.IResearchService
	AuditService       service.IAuditService

	hub       *websocket.Hub
	bus       *events.ChannelBus
	natsPub   *pkgNats.Publisher
	natsSub   *pkgNats.Subscriber
	rdb       *redis.Client
	cancelAll context.CancelFunc
	base      context.Context
}

// NewContainer wires every dependency. Optional infrastructure (Redis, NATS) that cannot be
// reached is logged and replaced by its in-process counterpart.
func NewContainer(cfg *config.Config, sysLogger logger.ILogger) (*Container, error) {
	base, cancelAll := context.WithCancel(context.Background())
	c := &Container{Logger: sysLogger, base: base, cancelAll: cancelAll}

	// 1. Session store
	sessions := memory.NewSessionRepository(memory.SessionConfig{
		TTL:           cfg.Session.TTL,
		Capacity:      cfg.Session.Capacity,
		MaxHistory:    cfg.Session.MaxHistory,
		SweepInterval: cfg.Session.SweepInterval,
	}, memory.WithLogger(sysLogger))

	// 2. Rate limiter
	limiterCfg := ratelimit.Config{Limit: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window}
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(limiterCfg)
	if cfg.RateLimit.Backend == "redis" {
		if rdb := c.connectRedis(cfg.App.RedisURL); rdb != nil {
			limiter = ratelimit.NewRedisLimiter(rdb, limiterCfg)
			sysLogger.Info("BOOTSTRAP", "Using Redis rate limiter", nil)
		}
	}

	// 3. Security gate
	openaiClient := openai.NewClient(cfg.Keys.OpenAI)
	gate := security.NewGate(sysLogger, cfg.Security.OutputFailOpen,
		security.NewInjectionScanner(cfg.Security.PromptInjectionThreshold),
		security.NewModerationScanner(openaiClient, cfg.Security.BanTopicsThreshold),
	)

	// 4. Search and LLM
	var extractor search.ContentExtractor
	if cfg.Search.ExtractContent {
		extractor = search.NewPageExtractor(cfg.Search.FetchTimeout, cfg.Search.FetchQPS)
	}
	searcher, err := search.NewGoogleProvider(base, cfg.Keys.GoogleSearch, cfg.Keys.GoogleSearchEngineID, cfg.Search.QPS, extractor)
	if err != nil {
		cancelAll()
		return nil, fmt.Errorf("search provider: %w", err)
	}

	llmProvider, err := factory.NewLLMProvider(factory.Settings{
		Provider:    cfg.Ai.LLMProvider,
		Model:       cfg.Ai.LLMModel,
		BaseURL:     cfg.Ai.OllamaBaseURL,
		APIKey:      cfg.Keys.OpenAI,
		Temperature: cfg.Ai.LLMTemperature,
		MaxTokens:   cfg.Ai.LLMMaxTokens,
	})
	if err != nil {
		cancelAll()
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	sysLogger.Info("BOOTSTRAP", "LLM provider ready", map[string]interface{}{
		"provider": cfg.Ai.LLMProvider,
		"model":    cfg.Ai.LLMModel,
	})

	// 5. Pipeline
	orchestrator := research.NewOrchestrator(gate, searcher, llmProvider, sessions, research.Config{
		DefaultResults:      cfg.Search.DefaultResults,
		MaxResults:          cfg.Search.MaxResults,
		MaxSubQueries:       cfg.Search.MaxSubQueries,
		FilterUnsafeResults: cfg.Search.FilterUnsafe,
		StageTimeout:        cfg.App.StageTimeout,
	}, sysLogger)

	// 6. Event bus
	var publisher events.Publisher
	if cfg.App.NatsURL != "" {
		if pub, sub, err := c.connectNats(cfg.App.NatsURL, sysLogger); err != nil {
			sysLogger.Warn("BOOTSTRAP", "NATS unavailable, using in-process bus", map[string]interface{}{"error": err.Error()})
		} else {
			c.natsPub, c.natsSub = pub, sub
			publisher = pub
		}
	}
	if publisher == nil {
		c.bus = events.NewChannelBus(watermill.NewStdLogger(false, false))
		publisher = c.bus
	}

	// 7. Services and transport
	c.AuditService = service.NewAuditService(publisher, sysLogger)
	c.ResearchService = service.NewResearchService(
		sessions,
		orchestrator,
		stream.NewEmitter(sysLogger),
		c.AuditService,
		service.ResearchOptions{QueryMaxLength: cfg.App.QueryMaxLength},
		sysLogger,
	)
	c.hub = websocket.NewHub(sysLogger)
	c.ResearchController = controller.NewResearchController(base, c.ResearchService, limiter, c.hub, sysLogger)

	return c, nil
}

// Start launches the background workers: the socket hub and the audit consumer.
func (c *Container) Start() error {
	go c.hub.Run(c.base)

	for _, eventType := range []string{events.TypeResearchCompleted, events.TypeResearchFailed} {
		var err error
		if c.natsSub != nil {
			err = c.natsSub.Subscribe(c.base, eventType, auditDurable+"-"+eventType, c.AuditService.Handle)
		} else {
			err = c.bus.Subscribe(c.base, eventType, c.AuditService.Handle)
		}
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", eventType, err)
		}
	}
	return nil
}

// Close cancels open streams and releases external connections.
func (c *Container) Close() {
	c.cancelAll()
	if c.natsSub != nil {
		c.natsSub.Close()
	}
	if c.natsPub != nil {
		c.natsPub.Close()
	}
	if c.bus != nil {
		_ = c.bus.Close()
	}
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
}

func (c *Container) connectRedis(url string) *redis.Client {
	if url == "" {
		c.Logger.Warn("BOOTSTRAP", "RATE_LIMIT_BACKEND=redis but REDIS_URL is empty, using memory limiter", nil)
		return nil
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		c.Logger.Warn("BOOTSTRAP", "Failed to parse Redis URL, using direct Addr", map[string]interface{}{"error": err.Error()})
		opt = &redis.Options{Addr: url}
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		c.Logger.Warn("BOOTSTRAP", "Failed to connect to Redis, using memory limiter", map[string]interface{}{"error": err.Error()})
		_ = rdb.Close()
		return nil
	}
	c.rdb = rdb
	return rdb
}

func (c *Container) connectNats(url string, log logger.ILogger) (*pkgNats.Publisher, *pkgNats.Subscriber, error) {
	pub, err := pkgNats.NewPublisher(url, log)
	if err != nil {
		return nil, nil, err
	}
	sub, err := pkgNats.NewSubscriber(url, log)
	if err != nil {
		pub.Close()
		return nil, nil, err
	}
	return pub, sub, nil
}
