package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ai-research-be/internal/dto"
	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/ratelimit"
	"ai-research-be/pkg/research"
	"ai-research-be/pkg/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowService streams a status, waits for release, then finishes with content.
type slowService struct {
	started chan struct{}
	release chan struct{}
}

func (s *slowService) Validate(*dto.QueryRequest) error { return nil }

func (s *slowService) Stream(ctx context.Context, req *dto.QueryRequest, sink stream.Sink) stream.Summary {
	_ = sink.Send(research.Status("checking safety"))
	s.started <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return stream.Summary{Disconnected: true}
	}
	ev := research.Content("answer to " + req.Query)
	_ = sink.Send(ev)
	return stream.Summary{Forwarded: 2, Terminal: &ev}
}

func (s *slowService) ActiveSessions() int { return 0 }

func newTestClient(t *testing.T, svc *slowService, limit int) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Client{
		service: svc,
		limiter: ratelimit.NewMemoryLimiter(ratelimit.Config{Limit: limit, Window: time.Minute}),
		logger:  logger.NewNopLogger(),
		remote:  "10.0.0.1",
		send:    make(chan []byte, 64),
		queries: make(chan queryItem, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func nextFrame(t *testing.T, c *Client) dto.StreamMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg dto.StreamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return dto.StreamMessage{}
	}
}

func TestClient_RejectionsWaitForActiveRun(t *testing.T) {
	svc := &slowService{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := newTestClient(t, svc, 100)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.servePump()
	}()

	c.handleFrame([]byte(`{"query":"first"}`))
	<-svc.started

	// one queued, the rest parked until the run ends
	c.handleFrame([]byte("not json"))
	c.handleFrame([]byte("not json"))
	c.handleFrame([]byte(`{"query":"second"}`))

	first := nextFrame(t, c)
	assert.Equal(t, "status", first.Type)
	select {
	case data := <-c.send:
		t.Fatalf("frame written during an active run: %s", data)
	case <-time.After(50 * time.Millisecond):
	}

	close(svc.release)
	second := nextFrame(t, c)
	assert.Equal(t, "content", second.Type)
	assert.Equal(t, "answer to first", second.Content)

	kinds := map[string]int{}
	for i := 0; i < 3; i++ {
		msg := nextFrame(t, c)
		require.Equal(t, "error", msg.Type)
		kinds[msg.Kind]++
	}
	assert.Equal(t, 2, kinds[string(research.KindValidation)])
	assert.Equal(t, 1, kinds[string(research.KindRateLimited)])

	close(c.queries)
	<-done
	assert.Empty(t, c.send)
}

func TestClient_ServeOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		limit    int
		frames   []string
		wantType []string
		wantKind []string
	}{
		{
			name:     "malformed frame on an idle socket",
			limit:    10,
			frames:   []string{"{"},
			wantType: []string{"error"},
			wantKind: []string{string(research.KindValidation)},
		},
		{
			name:     "rate limited query follows the admitted run",
			limit:    1,
			frames:   []string{`{"query":"a"}`, `{"query":"b"}`},
			wantType: []string{"status", "content", "error"},
			wantKind: []string{"", "", string(research.KindRateLimited)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &slowService{started: make(chan struct{}, 4), release: make(chan struct{})}
			close(svc.release)
			c := newTestClient(t, svc, tt.limit)
			c.queries = make(chan queryItem, len(tt.frames))

			for _, f := range tt.frames {
				c.handleFrame([]byte(f))
			}
			close(c.queries)
			c.servePump()

			for i, want := range tt.wantType {
				msg := nextFrame(t, c)
				assert.Equal(t, want, msg.Type, "frame %d", i)
				assert.Equal(t, tt.wantKind[i], msg.Kind, "frame %d", i)
			}
			assert.Empty(t, c.send)
		})
	}
}

func TestClient_DeferredRejectionsAreCapped(t *testing.T) {
	svc := &slowService{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := newTestClient(t, svc, 100)
	c.queries = make(chan queryItem)

	for i := 0; i < maxDeferred+5; i++ {
		c.handleFrame([]byte("not json"))
	}
	assert.Len(t, c.deferred, maxDeferred)

	c.flushDeferred()
	assert.Len(t, c.send, maxDeferred)
	assert.Empty(t, c.deferred)
}
