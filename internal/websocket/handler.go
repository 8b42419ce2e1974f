package websocket

import (
	"context"
	"sync"

	"ai-research-be/internal/pkg/logger"
	"ai-research-be/internal/service"
	"ai-research-be/pkg/ratelimit"

	"github.com/gofiber/websocket/v2"
)

// ServeWs handles one research socket until the peer disconnects.
// clientIP keys the rate limiter, as it does for the HTTP endpoint.
func ServeWs(hub *Hub, c *websocket.Conn, clientIP string, svc service.IResearchService, limiter ratelimit.Limiter, log logger.ILogger) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:     hub,
		conn:    c,
		service: svc,
		limiter: limiter,
		logger:  log,
		remote:  clientIP,
		send:    make(chan []byte, 64),
		queries: make(chan queryItem, queuedQueries),
		ctx:     ctx,
		cancel:  cancel,
	}
	if !hub.add(client) {
		cancel()
		_ = c.Close()
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		client.writePump()
	}()
	go func() {
		defer wg.Done()
		client.servePump()
	}()
	client.readPump()

	// the connection is released once the handler returns
	wg.Wait()
}
