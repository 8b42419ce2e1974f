package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"ai-research-be/internal/dto"
	"ai-research-be/internal/pkg/logger"
	"ai-research-be/internal/service"
	"ai-research-be/pkg/ratelimit"
	"ai-research-be/pkg/research"
	"ai-research-be/pkg/stream"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	queuedQueries  = 4
	maxDeferred    = 16
)

// queryItem is one unit of work for the serve pump: a query to run, or a
// rejection to report once the current run has finished.
type queryItem struct {
	req    dto.QueryRequest
	reject *research.Event
}

// Client is one research socket. Each text frame carries a query request; the
// events of every query are written back as one JSON frame each, in order.
// Queries on a socket run one at a time, and a rejected frame is reported only
// between runs so it never lands inside another query's event sequence.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	service service.IResearchService
	limiter ratelimit.Limiter
	logger  logger.ILogger
	remote  string

	send    chan []byte
	queries chan queryItem

	mu       sync.Mutex
	deferred []research.Event

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ stream.Sink = (*Client)(nil)

// Send queues ev for the write pump. It fails once the socket is closing.
func (c *Client) Send(ev research.Event) error {
	data, err := stream.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return stream.ErrSinkClosed
	}
}

func (c *Client) close() {
	c.closeOnce.Do(c.cancel)
}

// readPump decodes incoming frames into queries until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
		close(c.queries)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WEBSOCKET", "Unexpected close", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var req dto.QueryRequest
	if err := json.Unmarshal(data, &req); err != nil {
		ev := research.Error(research.KindValidation, "invalid request body")
		c.enqueue(queryItem{reject: &ev})
		return
	}
	c.enqueue(queryItem{req: req})
}

// enqueue hands item to the serve pump. When the queue is full the rejection is
// parked and flushed after the next run, since a full queue means one is pending.
func (c *Client) enqueue(item queryItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case c.queries <- item:
		return
	default:
	}

	ev := research.Error(research.KindRateLimited, "too many queries in flight on this connection")
	if item.reject != nil {
		ev = *item.reject
	}
	if len(c.deferred) >= maxDeferred {
		c.logger.Warn("WEBSOCKET", "Dropping rejection on saturated connection", map[string]interface{}{"remote": c.remote})
		return
	}
	c.deferred = append(c.deferred, ev)
}

// servePump runs queued items one after another.
func (c *Client) servePump() {
	for item := range c.queries {
		if c.ctx.Err() != nil {
			continue
		}
		if item.reject != nil {
			_ = c.Send(*item.reject)
		} else {
			c.serve(item.req)
		}
		c.flushDeferred()
	}
}

func (c *Client) flushDeferred() {
	c.mu.Lock()
	pending := c.deferred
	c.deferred = nil
	c.mu.Unlock()

	for _, ev := range pending {
		if err := c.Send(ev); err != nil {
			return
		}
	}
}

func (c *Client) serve(req dto.QueryRequest) {
	decision, err := c.limiter.Admit(c.ctx, c.remote)
	if err != nil {
		c.logger.Error("WEBSOCKET", "Rate limiter unavailable, admitting query", map[string]interface{}{"error": err.Error()})
	} else if !decision.Allowed {
		seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
		_ = c.Send(research.Error(research.KindRateLimited, fmt.Sprintf("rate limit exceeded, retry after %d seconds", seconds)))
		return
	}

	if err := c.service.Validate(&req); err != nil {
		_ = c.Send(research.Error(research.KindValidation, err.Error()))
		return
	}
	c.service.Stream(c.ctx, &req, c)
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
