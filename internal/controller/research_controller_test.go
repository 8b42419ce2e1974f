package controller

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ai-research-be/internal/dto"
	"ai-research-be/internal/pkg/logger"
	"ai-research-be/internal/pkg/serverutils"
	internalWS "ai-research-be/internal/websocket"
	"ai-research-be/pkg/ratelimit"
	"ai-research-be/pkg/research"
	"ai-research-be/pkg/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	streams atomic.Int32
	lastReq atomic.Pointer[dto.QueryRequest]
}

func (s *stubService) Validate(req *dto.QueryRequest) error {
	return serverutils.ValidateRequest(req)
}

func (s *stubService) Stream(_ context.Context, req *dto.QueryRequest, sink stream.Sink) stream.Summary {
	s.streams.Add(1)
	s.lastReq.Store(req)
	for _, ev := range []research.Event{
		research.SessionAssigned("new-session"),
		research.Status(research.StatusCheckingSafety),
		research.Status(research.StatusSearching),
		research.Content("**answer** [1]"),
	} {
		if err := sink.Send(ev); err != nil {
			return stream.Summary{Disconnected: true, Err: err}
		}
	}
	return stream.Summary{}
}

func (s *stubService) ActiveSessions() int { return 7 }

func newTestApp(svc *stubService, limit int) *fiber.App {
	log := logger.NewNopLogger()
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Limit: limit, Window: time.Minute})
	ctrl := NewResearchController(context.Background(), svc, limiter, internalWS.NewHub(log), log)

	app := fiber.New()
	app.Use(serverutils.ErrorHandlerMiddleware(log))
	ctrl.RegisterRoutes(app.Group("/api"))
	return app
}

func postQuery(t *testing.T, app *fiber.App, body string) (int, string, map[string][]string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/api/query", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data), resp.Header
}

func TestResearchController_QueryStreamsNDJSON(t *testing.T) {
	svc := &stubService{}
	app := newTestApp(svc, 20)

	status, body, header := postQuery(t, app, `{"query":"latest EV safety features","sessionId":null,"max_results":3}`)

	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, contentTypeNDJSON, header[fiber.HeaderContentType][0])

	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.Len(t, lines, 4)
	assert.JSONEq(t, `{"sessionId":"new-session"}`, lines[0])
	assert.JSONEq(t, `{"type":"status","content":"checking safety"}`, lines[1])
	assert.JSONEq(t, `{"type":"content","content":"**answer** [1]"}`, lines[3])

	req := svc.lastReq.Load()
	require.NotNil(t, req)
	assert.Nil(t, req.SessionId)
	require.NotNil(t, req.MaxResults)
	assert.Equal(t, 3, *req.MaxResults)
}

func TestResearchController_QueryRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "blank query", body: `{"query":"   "}`},
		{name: "missing query", body: `{"sessionId":"abc"}`},
		{name: "malformed json", body: `{"query":`},
		{name: "bad max_results", body: `{"query":"q","max_results":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			app := newTestApp(svc, 20)

			status, body, _ := postQuery(t, app, tt.body)

			assert.Equal(t, fiber.StatusBadRequest, status)
			var msg dto.StreamMessage
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(body)), &msg))
			assert.Equal(t, "error", msg.Type)
			assert.Equal(t, string(research.KindValidation), msg.Kind)
			assert.Zero(t, svc.streams.Load(), "the pipeline is never started")
		})
	}
}

func TestResearchController_RateLimited(t *testing.T) {
	svc := &stubService{}
	app := newTestApp(svc, 2)

	for i := 0; i < 2; i++ {
		status, _, _ := postQuery(t, app, `{"query":"q"}`)
		require.Equal(t, fiber.StatusOK, status)
	}

	status, body, header := postQuery(t, app, `{"query":"q"}`)
	assert.Equal(t, fiber.StatusTooManyRequests, status)
	assert.Empty(t, body)
	require.NotEmpty(t, header[fiber.HeaderRetryAfter])
	assert.NotEqual(t, "0", header[fiber.HeaderRetryAfter][0])
	assert.Equal(t, int32(2), svc.streams.Load(), "denied request never reaches the pipeline")
}

func TestResearchController_Health(t *testing.T) {
	app := newTestApp(&stubService{}, 20)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/api/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body serverutils.BaseResponse[dto.HealthResponse]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, "ok", body.Data.Status)
	assert.Equal(t, 7, body.Data.Sessions)
}

func TestResearchController_SocketRequiresUpgrade(t *testing.T) {
	app := newTestApp(&stubService{}, 20)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/api/ws/query", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
