package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"ai-research-be/internal/dto"
	"ai-research-be/internal/pkg/logger"
	"ai-research-be/internal/pkg/serverutils"
	"ai-research-be/pkg/events"
	"ai-research-be/pkg/research"
	"ai-research-be/pkg/store"
	"ai-research-be/pkg/stream"
)

const moduleService = "RESEARCH_SERVICE"

// SessionStore is the part of the session repository the service depends on.
type SessionStore interface {
	GetOrCreate(id string) (store.Session, bool)
	Len() int
}

// PipelineRunner runs one request through the research pipeline.
type PipelineRunner interface {
	Run(ctx context.Context, req research.Request, out chan<- research.Event) research.Outcome
}

type IResearchService interface {
	// Validate rejects requests that must never reach the pipeline.
	Validate(req *dto.QueryRequest) error
	// Stream runs req and forwards its events to sink until a terminal event or disconnect.
	Stream(ctx context.Context, req *dto.QueryRequest, sink stream.Sink) stream.Summary
	ActiveSessions() int
}

type ResearchOptions struct {
	QueryMaxLength int
}

type researchService struct {
	sessions SessionStore
	pipeline PipelineRunner
	emitter  *stream.Emitter
	audit    IAuditService
	locks    *sessionLocks
	opts     ResearchOptions
	logger   logger.ILogger
}

func NewResearchService(
	sessions SessionStore,
	pipeline PipelineRunner,
	emitter *stream.Emitter,
	audit IAuditService,
	opts ResearchOptions,
	log logger.ILogger,
) IResearchService {
	if opts.QueryMaxLength <= 0 {
		opts.QueryMaxLength = 2000
	}
	return &researchService{
		sessions: sessions,
		pipeline: pipeline,
		emitter:  emitter,
		audit:    audit,
		locks:    newSessionLocks(),
		opts:     opts,
		logger:   log,
	}
}

func (s *researchService) Validate(req *dto.QueryRequest) error {
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}
	if n := utf8.RuneCountInString(req.Query); n > s.opts.QueryMaxLength {
		return fmt.Errorf("%w: query must be at most %d characters", serverutils.ErrValidation, s.opts.QueryMaxLength)
	}
	return nil
}

func (s *researchService) Stream(ctx context.Context, req *dto.QueryRequest, sink stream.Sink) stream.Summary {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	started := time.Now()

	requested := ""
	if req.SessionId != nil {
		requested = strings.TrimSpace(*req.SessionId)
	}

	// Holding the lock across get-or-create means the snapshot already contains
	// the previous turn of this session.
	if requested != "" {
		unlock, err := s.locks.Lock(ctx, requested)
		if err != nil {
			return stream.Summary{Disconnected: true, Err: err}
		}
		defer unlock()
	}

	session, created := s.sessions.GetOrCreate(requested)
	if created && requested != "" {
		s.logger.Info(moduleService, "Unknown or expired session replaced", map[string]interface{}{
			"session_id": session.ID,
		})
	}
	if session.ID != requested {
		// the caller may reuse the new id before this run commits
		unlock, err := s.locks.Lock(ctx, session.ID)
		if err != nil {
			return stream.Summary{Disconnected: true, Err: err}
		}
		defer unlock()
	}

	maxResults := 0
	if req.MaxResults != nil {
		maxResults = *req.MaxResults
	}

	source := make(chan research.Event)
	var outcome research.Outcome
	go func() {
		defer close(source)
		outcome = s.pipeline.Run(ctx, research.Request{
			Query:      req.Query,
			MaxResults: maxResults,
			Session:    session,
		}, source)
	}()

	assigned := ""
	if created {
		assigned = session.ID
	}
	summary := s.emitter.Forward(ctx, cancel, assigned, source, sink)

	// Forward returns only after source is closed, so outcome is final here.
	s.publishOutcome(session.ID, outcome, time.Since(started))
	return summary
}

func (s *researchService) ActiveSessions() int {
	return s.sessions.Len()
}

func (s *researchService) publishOutcome(sessionID string, outcome research.Outcome, took time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if outcome.State == research.StateDone && outcome.Output != nil {
		s.audit.Publish(ctx, events.ResearchCompleted(
			sessionID,
			len(outcome.Evidence),
			len(outcome.Output.Citations),
			outcome.Output.Unverified,
			took,
		))
		return
	}

	stage, kind := string(research.StateFailed), string(research.KindInternal)
	if outcome.Failure != nil {
		stage, kind = string(outcome.Failure.Stage), string(outcome.Failure.Kind)
	}
	s.audit.Publish(ctx, events.ResearchFailed(sessionID, stage, kind, took))
}
