package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ai-research-be/internal/dto"
	"ai-research-be/internal/pkg/logger"
	"ai-research-be/internal/pkg/serverutils"
	"ai-research-be/internal/repository/memory"
	"ai-research-be/pkg/events"
	"ai-research-be/pkg/research"
	"ai-research-be/pkg/store"
	"ai-research-be/pkg/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPipeline struct {
	fail     *research.Failure
	hold     time.Duration
	active   atomic.Int32
	overlap  atomic.Bool
	mu       sync.Mutex
	sessions []store.Session
}

func (p *scriptedPipeline) Run(ctx context.Context, req research.Request, out chan<- research.Event) research.Outcome {
	if p.active.Add(1) > 1 {
		p.overlap.Store(true)
	}
	defer p.active.Add(-1)

	p.mu.Lock()
	p.sessions = append(p.sessions, req.Session)
	p.mu.Unlock()

	out <- research.Status(research.StatusCheckingSafety)
	if p.hold > 0 {
		time.Sleep(p.hold)
	}
	if p.fail != nil {
		out <- research.Error(p.fail.Kind, p.fail.Reason)
		return research.Outcome{State: research.StateFailed, Failure: p.fail}
	}
	out <- research.Content("answer")
	return research.Outcome{
		State:  research.StateDone,
		Output: &research.SynthesisOutput{Text: "answer", Citations: []research.Citation{{Marker: "[1]"}}},
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

type sliceSink struct {
	mu     sync.Mutex
	events []research.Event
}

func (s *sliceSink) Send(ev research.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc       IResearchService
	sessions  *memory.SessionRepository
	pipeline  *scriptedPipeline
	publisher *capturePublisher
	clock     *clock
}

func newFixture(pipeline *scriptedPipeline) *fixture {
	log := logger.NewNopLogger()
	clk := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	sessions := memory.NewSessionRepository(memory.SessionConfig{TTL: 24 * time.Hour}, memory.WithClock(clk.Now))
	pub := &capturePublisher{}
	svc := NewResearchService(
		sessions,
		pipeline,
		stream.NewEmitter(log),
		NewAuditService(pub, log),
		ResearchOptions{QueryMaxLength: 20},
		log,
	)
	return &fixture{svc: svc, sessions: sessions, pipeline: pipeline, publisher: pub, clock: clk}
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestResearchService_Validate(t *testing.T) {
	f := newFixture(&scriptedPipeline{})

	tests := []struct {
		name    string
		req     dto.QueryRequest
		wantErr bool
	}{
		{name: "valid", req: dto.QueryRequest{Query: "ev safety"}},
		{name: "empty", req: dto.QueryRequest{Query: ""}, wantErr: true},
		{name: "blank", req: dto.QueryRequest{Query: "   \n\t"}, wantErr: true},
		{name: "too long", req: dto.QueryRequest{Query: strings.Repeat("a", 21)}, wantErr: true},
		{name: "length counts characters not bytes", req: dto.QueryRequest{Query: strings.Repeat("é", 20)}},
		{name: "max_results below one", req: dto.QueryRequest{Query: "q", MaxResults: intPtr(0)}, wantErr: true},
		{name: "max_results given", req: dto.QueryRequest{Query: "q", MaxResults: intPtr(3)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.Validate(&tt.req)
			if tt.wantErr {
				assert.ErrorIs(t, err, serverutils.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResearchService_NewSessionIsAnnounced(t *testing.T) {
	f := newFixture(&scriptedPipeline{})
	sink := &sliceSink{}

	summary := f.svc.Stream(context.Background(), &dto.QueryRequest{Query: "latest EV safety features"}, sink)

	require.Len(t, sink.events, 3)
	assert.Equal(t, research.EventSessionAssigned, sink.events[0].Type)
	assert.NotEmpty(t, sink.events[0].SessionID)
	assert.Equal(t, research.Status(research.StatusCheckingSafety), sink.events[1])
	assert.Equal(t, research.Content("answer"), sink.events[2])
	assert.False(t, summary.Disconnected)
	assert.Equal(t, 1, f.svc.ActiveSessions())
}

func TestResearchService_ExistingSessionIsNotAnnounced(t *testing.T) {
	f := newFixture(&scriptedPipeline{})
	s, _ := f.sessions.GetOrCreate("")
	sink := &sliceSink{}

	f.svc.Stream(context.Background(), &dto.QueryRequest{Query: "q", SessionId: strPtr(s.ID)}, sink)

	require.NotEmpty(t, sink.events)
	assert.NotEqual(t, research.EventSessionAssigned, sink.events[0].Type)
	require.Len(t, f.pipeline.sessions, 1)
	assert.Equal(t, s.ID, f.pipeline.sessions[0].ID)
}

func TestResearchService_ExpiredSessionGetsFreshID(t *testing.T) {
	f := newFixture(&scriptedPipeline{})
	old, _ := f.sessions.GetOrCreate("")
	f.clock.Advance(25 * time.Hour)
	sink := &sliceSink{}

	f.svc.Stream(context.Background(), &dto.QueryRequest{Query: "q", SessionId: strPtr(old.ID)}, sink)

	require.NotEmpty(t, sink.events)
	assert.Equal(t, research.EventSessionAssigned, sink.events[0].Type)
	assert.NotEqual(t, old.ID, sink.events[0].SessionID)
}

func TestResearchService_SerializesRequestsPerSession(t *testing.T) {
	f := newFixture(&scriptedPipeline{hold: 20 * time.Millisecond})
	s, _ := f.sessions.GetOrCreate("")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.Stream(context.Background(), &dto.QueryRequest{Query: "q", SessionId: strPtr(s.ID)}, &sliceSink{})
		}()
	}
	wg.Wait()

	assert.False(t, f.pipeline.overlap.Load(), "runs on one session must not overlap")
	assert.Len(t, f.pipeline.sessions, 3)
}

func TestResearchService_PublishesAuditEvents(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		f := newFixture(&scriptedPipeline{})
		f.svc.Stream(context.Background(), &dto.QueryRequest{Query: "secret question"}, &sliceSink{})

		require.Len(t, f.publisher.events, 1)
		evt := f.publisher.events[0]
		assert.Equal(t, events.TypeResearchCompleted, evt.EventType())
		assert.Equal(t, 1, evt.Payload()["citations"])
		for _, v := range evt.Payload() {
			assert.NotEqual(t, "secret question", v, "the query text is never published")
		}
	})

	t.Run("failed", func(t *testing.T) {
		f := newFixture(&scriptedPipeline{fail: &research.Failure{
			Stage: research.StateSecurityIn, Kind: research.KindSecurityViolation, Reason: "request blocked: x",
		}})
		f.svc.Stream(context.Background(), &dto.QueryRequest{Query: "q"}, &sliceSink{})

		require.Len(t, f.publisher.events, 1)
		evt := f.publisher.events[0]
		assert.Equal(t, events.TypeResearchFailed, evt.EventType())
		assert.Equal(t, string(research.StateSecurityIn), evt.Payload()["stage"])
		assert.Equal(t, string(research.KindSecurityViolation), evt.Payload()["kind"])
	})
}

func TestSessionLocks(t *testing.T) {
	locks := newSessionLocks()

	unlock, err := locks.Lock(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, locks.len())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locks.Lock(context.Background(), "b")
	require.NoError(t, err, "different sessions do not block each other")
	other()

	unlock()
	assert.Equal(t, 0, locks.len(), "released locks are forgotten")
}

func TestAuditService_HandleAndNilPublisher(t *testing.T) {
	svc := NewAuditService(nil, logger.NewNopLogger())
	svc.Publish(context.Background(), events.ResearchCompleted("s", 1, 1, false, time.Second))

	err := svc.Handle(context.Background(), events.ResearchFailed("s", "searching", "unavailable", time.Second))
	assert.NoError(t, err)
}
