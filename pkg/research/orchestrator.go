// Package research runs a query through the staged research pipeline:
// safety screening, web search, analysis and synthesis.
package research

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/llm"
	"ai-research-be/pkg/search"
	"ai-research-be/pkg/security"
	"ai-research-be/pkg/store"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const moduleResearch = "RESEARCH"

const unverifiedNote = "\n\n> ⚠️ Our safety check was unavailable, so this answer has not been verified."

// Gatekeeper decides whether text may enter or leave the pipeline.
type Gatekeeper interface {
	Check(ctx context.Context, text string, dir security.Direction) security.Verdict
}

// SessionWriter records a completed exchange on a session.
type SessionWriter interface {
	TouchAndAppend(id string, user, assistant store.Turn) error
}

type Config struct {
	DefaultResults      int
	MaxResults          int
	MaxSubQueries       int
	MaxEvidence         int
	FilterUnsafeResults bool
	StageTimeout        time.Duration
	RetryDelay          time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultResults <= 0 {
		c.DefaultResults = 5
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 10
	}
	if c.MaxSubQueries < 0 {
		c.MaxSubQueries = 0
	}
	if c.MaxEvidence <= 0 {
		c.MaxEvidence = 2 * c.MaxResults
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 60 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 300 * time.Millisecond
	}
	return c
}

// Orchestrator is the pipeline state machine. It is stateless between runs and
// safe for concurrent use; all per-request state lives in a run.
type Orchestrator struct {
	gate     Gatekeeper
	searcher search.Provider
	llm      llm.LLMProvider
	sessions SessionWriter
	cfg      Config
	logger   logger.ILogger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewOrchestrator(
	gate Gatekeeper,
	searcher search.Provider,
	llmProvider llm.LLMProvider,
	sessions SessionWriter,
	cfg Config,
	log logger.ILogger,
) *Orchestrator {
	return &Orchestrator{
		gate:     gate,
		searcher: searcher,
		llm:      llmProvider,
		sessions: sessions,
		cfg:      cfg.withDefaults(),
		logger:   log,
		tracer:   otel.Tracer("ai-research-be/research"),
		now:      time.Now,
	}
}

// run carries the state of one pipeline execution.
type run struct {
	ctx      context.Context
	req      Request
	out      chan<- Event
	limit    int
	history  []llm.Message
	evidence []search.Result
	findings []Finding
	output   *SynthesisOutput
	failure  *Failure
	trail    []State
	terminal bool
}

// Run drives req through the state machine, sending events to out in order.
// Exactly one terminal event (Content or Error) is sent unless ctx is cancelled first.
// Run never closes out.
func (o *Orchestrator) Run(ctx context.Context, req Request, out chan<- Event) (outcome Outcome) {
	r := &run{
		ctx:     ctx,
		req:     req,
		out:     out,
		limit:   o.resultLimit(req.MaxResults),
		history: historyMessages(req.Session.History),
	}
	started := o.now()

	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error(moduleResearch, "Pipeline panicked", map[string]interface{}{
				"session_id": req.Session.ID,
				"error":      fmt.Sprint(rec),
			})
			if !r.terminal {
				o.fail(r, r.current(), KindInternal, "internal error")
			}
			outcome = r.outcome(StateFailed)
		}
	}()

	state := StateInit
	for {
		r.trail = append(r.trail, state)
		switch state {
		case StateInit:
			state = StateSecurityIn
		case StateSecurityIn:
			state = o.securityIn(r)
		case StateSearching:
			state = o.searching(r)
		case StateResearching:
			state = o.researching(r)
		case StateSynthesizing:
			state = o.synthesizing(r)
		case StateSecurityOut:
			state = o.securityOut(r)
		case StateDone:
			if !o.emit(r, Content(r.output.Text)) {
				state = o.cancelled(r, StateDone)
				continue
			}
			o.logger.Info(moduleResearch, "Pipeline completed", map[string]interface{}{
				"session_id":  req.Session.ID,
				"duration_ms": o.now().Sub(started).Milliseconds(),
				"evidence":    len(r.evidence),
				"citations":   len(r.output.Citations),
			})
			return r.outcome(StateDone)
		case StateFailed:
			o.logger.Warn(moduleResearch, "Pipeline failed", map[string]interface{}{
				"session_id":  req.Session.ID,
				"stage":       string(r.failure.Stage),
				"kind":        string(r.failure.Kind),
				"duration_ms": o.now().Sub(started).Milliseconds(),
			})
			return r.outcome(StateFailed)
		default:
			o.fail(r, state, KindInternal, "internal error")
			state = StateFailed
		}
	}
}

func (o *Orchestrator) securityIn(r *run) State {
	if !o.enter(r, StateSecurityIn, StatusCheckingSafety) {
		return StateFailed
	}
	ctx, span := o.tracer.Start(r.ctx, "research.security_in")
	defer span.End()

	verdict := o.gate.Check(ctx, r.req.Query, security.DirectionInput)
	if r.ctx.Err() != nil {
		return o.cancelled(r, StateSecurityIn)
	}
	if !verdict.Allowed {
		span.SetStatus(codes.Error, "blocked")
		kind := KindSecurityViolation
		if !verdict.Flagged && verdict.Unavailable {
			kind = KindUnavailable
		}
		o.fail(r, StateSecurityIn, kind, "request blocked: "+verdict.Reason)
		return StateFailed
	}
	return StateSearching
}

func (o *Orchestrator) searching(r *run) State {
	if !o.enter(r, StateSearching, StatusSearching) {
		return StateFailed
	}
	ctx, span := o.tracer.Start(r.ctx, "research.searching")
	defer span.End()

	results, err := o.collect(ctx, r.req.Query, r.limit)
	if err != nil {
		span.RecordError(err)
		return o.unavailable(r, StateSearching, "search", err)
	}
	r.evidence = results
	span.SetAttributes(attribute.Int("results", len(results)))
	return StateResearching
}

func (o *Orchestrator) researching(r *run) State {
	if !o.enter(r, StateResearching, StatusResearching) {
		return StateFailed
	}
	ctx, span := o.tracer.Start(r.ctx, "research.researching")
	defer span.End()

	for _, sub := range o.subQueries(ctx, r) {
		if r.ctx.Err() != nil {
			return o.cancelled(r, StateResearching)
		}
		more, err := o.collect(ctx, sub, r.limit)
		if err != nil {
			if r.ctx.Err() != nil {
				return o.cancelled(r, StateResearching)
			}
			o.logger.Warn(moduleResearch, "Follow-up search failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		r.evidence = search.Dedupe(append(r.evidence, more...), o.cfg.MaxEvidence)
	}
	span.SetAttributes(attribute.Int("evidence", len(r.evidence)))

	if len(r.evidence) == 0 {
		return StateSynthesizing
	}

	text, err := o.generate(ctx, withPrompt(r.history, findingsPrompt(r.req.Query, r.evidence)))
	if err != nil {
		span.RecordError(err)
		return o.unavailable(r, StateResearching, "analysis", err)
	}

	r.findings = parseFindings(text, r.evidence)
	if len(r.findings) == 0 {
		r.findings = findingsFromSnippets(r.evidence)
	}
	span.SetAttributes(attribute.Int("findings", len(r.findings)))
	return StateSynthesizing
}

func (o *Orchestrator) synthesizing(r *run) State {
	if !o.enter(r, StateSynthesizing, StatusSynthesizing) {
		return StateFailed
	}
	ctx, span := o.tracer.Start(r.ctx, "research.synthesizing")
	defer span.End()

	if len(r.findings) == 0 {
		r.output = &SynthesisOutput{Text: insufficientEvidenceAnswer}
		return StateSecurityOut
	}

	sources := numberSources(r.findings, r.evidence)
	text, err := o.generate(ctx, withPrompt(r.history, synthesisPrompt(r.req.Query, r.findings, sources)))
	if err != nil {
		span.RecordError(err)
		return o.unavailable(r, StateSynthesizing, "synthesis", err)
	}

	out := finalizeAnswer(text, sources)
	r.output = &out
	span.SetAttributes(attribute.Int("citations", len(out.Citations)))
	return StateSecurityOut
}

// securityOut screens the synthesized answer. It emits no status of its own.
func (o *Orchestrator) securityOut(r *run) State {
	if r.ctx.Err() != nil {
		return o.cancelled(r, StateSecurityOut)
	}
	ctx, span := o.tracer.Start(r.ctx, "research.security_out")
	defer span.End()

	verdict := o.gate.Check(ctx, r.output.Text, security.DirectionOutput)
	if r.ctx.Err() != nil {
		return o.cancelled(r, StateSecurityOut)
	}
	if !verdict.Allowed {
		span.SetStatus(codes.Error, "blocked")
		kind := KindSecurityViolation
		if !verdict.Flagged && verdict.Unavailable {
			kind = KindUnavailable
		}
		r.output = nil
		o.fail(r, StateSecurityOut, kind, "response blocked: "+verdict.Reason)
		return StateFailed
	}
	if verdict.Unverified {
		r.output.Unverified = true
		r.output.Text += unverifiedNote
	}
	if !o.commit(r) {
		return StateFailed
	}
	return StateDone
}

// commit appends the exchange to the session history. The answer is emitted only afterwards.
func (o *Orchestrator) commit(r *run) bool {
	now := o.now()
	err := o.sessions.TouchAndAppend(r.req.Session.ID,
		store.Turn{Role: store.RoleUser, Text: r.req.Query, CreatedAt: now},
		store.Turn{Role: store.RoleAssistant, Text: r.output.Text, CreatedAt: now},
	)
	if err != nil {
		if errors.Is(err, store.ErrSessionExpired) {
			o.fail(r, StateDone, KindSessionExpired, "session expired, please start a new conversation")
		} else {
			o.fail(r, StateDone, KindInternal, "internal error")
		}
		r.output = nil
		return false
	}
	return true
}

// collect searches once (retrying once on failure), dedupes and drops unsafe results.
func (o *Orchestrator) collect(ctx context.Context, query string, limit int) ([]search.Result, error) {
	results, err := retry(ctx, o.cfg, func(ctx context.Context) ([]search.Result, error) {
		return o.searcher.Search(ctx, query, limit)
	})
	if err != nil {
		return nil, err
	}
	results = search.Dedupe(results, limit)
	if !o.cfg.FilterUnsafeResults || len(results) == 0 {
		return results, nil
	}
	return o.screen(ctx, results), nil
}

// screen drops results whose title or snippet is flagged by the output gate.
func (o *Orchestrator) screen(ctx context.Context, results []search.Result) []search.Result {
	keep := make([]bool, len(results))
	var eg errgroup.Group
	eg.SetLimit(4)
	for i, res := range results {
		eg.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					// same as a scanner outage: the result stays
					keep[i] = true
					o.logger.Error(moduleResearch, "Result screening panicked", map[string]interface{}{
						"error": fmt.Sprint(rec),
						"url":   res.URL,
					})
				}
			}()
			keep[i] = o.gate.Check(ctx, res.Title+"\n"+res.Snippet, security.DirectionOutput).Allowed
			return nil
		})
	}
	_ = eg.Wait()

	safe := make([]search.Result, 0, len(results))
	for i, res := range results {
		if keep[i] {
			safe = append(safe, res)
		}
	}
	if dropped := len(results) - len(safe); dropped > 0 {
		o.logger.Info(moduleResearch, "Dropped unsafe search results", map[string]interface{}{"count": dropped})
	}
	return safe
}

// subQueries asks the model for follow-up searches. Failures only cost the follow-ups.
func (o *Orchestrator) subQueries(ctx context.Context, r *run) []string {
	if o.cfg.MaxSubQueries == 0 {
		return nil
	}
	text, err := o.generate(ctx, withPrompt(nil, decomposePrompt(r.req.Query, o.cfg.MaxSubQueries)))
	if err != nil {
		o.logger.Warn(moduleResearch, "Query decomposition failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return parseSubQueries(text, r.req.Query, o.cfg.MaxSubQueries)
}

func (o *Orchestrator) generate(ctx context.Context, messages []llm.Message) (string, error) {
	return retry(ctx, o.cfg, func(ctx context.Context) (string, error) {
		return o.llm.Chat(ctx, messages)
	})
}

// retry runs op with the stage timeout, retrying once after a short pause.
// Cancellation of the parent context is never retried.
func retry[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, cfg.StageTimeout)
		defer cancel()
		v, err := op(callCtx)
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(cfg.RetryDelay)),
		backoff.WithMaxTries(2),
	)
}

// enter records the stage and flushes its status event before any work starts.
func (o *Orchestrator) enter(r *run, stage State, status string) bool {
	if r.ctx.Err() != nil {
		o.cancelled(r, stage)
		return false
	}
	if !o.emit(r, Status(status)) {
		o.cancelled(r, stage)
		return false
	}
	return true
}

func (o *Orchestrator) emit(r *run, ev Event) bool {
	select {
	case <-r.ctx.Done():
		return false
	default:
	}
	select {
	case r.out <- ev:
		if ev.Terminal() {
			r.terminal = true
		}
		return true
	case <-r.ctx.Done():
		return false
	}
}

// fail moves the run to Failed and emits the sanitized error as the terminal event.
func (o *Orchestrator) fail(r *run, stage State, kind ErrorKind, reason string) {
	r.failure = &Failure{Stage: stage, Kind: kind, Reason: reason}
	if !r.terminal {
		o.emit(r, Error(kind, reason))
	}
}

func (o *Orchestrator) unavailable(r *run, stage State, what string, err error) State {
	if r.ctx.Err() != nil {
		return o.cancelled(r, stage)
	}
	o.logger.Error(moduleResearch, "Collaborator unavailable", map[string]interface{}{
		"stage": string(stage),
		"error": fmt.Errorf("%w: %v", ErrUnavailable, err).Error(),
	})
	o.fail(r, stage, KindUnavailable, what+" unavailable, please try again later")
	return StateFailed
}

// cancelled stops the run without emitting: the caller is gone.
func (o *Orchestrator) cancelled(r *run, stage State) State {
	r.failure = &Failure{Stage: stage, Kind: KindCancelled, Reason: "cancelled"}
	return StateFailed
}

func (o *Orchestrator) resultLimit(requested int) int {
	if requested <= 0 {
		requested = o.cfg.DefaultResults
	}
	if requested > o.cfg.MaxResults {
		requested = o.cfg.MaxResults
	}
	return requested
}

func (r *run) current() State {
	if len(r.trail) == 0 {
		return StateInit
	}
	return r.trail[len(r.trail)-1]
}

func (r *run) outcome(state State) Outcome {
	trail := append([]State(nil), r.trail...)
	if trail[len(trail)-1] != state {
		trail = append(trail, state)
	}
	return Outcome{
		State:       state,
		Failure:     r.failure,
		Output:      r.output,
		Evidence:    r.evidence,
		Findings:    r.findings,
		Transitions: trail,
	}
}

func historyMessages(turns []store.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return msgs
}

// withPrompt copies history and appends prompt as the final user message.
func withPrompt(history []llm.Message, prompt string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})
}
