// Package stream forwards pipeline events to a caller-facing sink.
package stream

import (
	"context"
	"errors"

	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/research"
)

const moduleStream = "STREAM"

// ErrSinkClosed is returned by sinks whose peer has gone away.
var ErrSinkClosed = errors.New("sink closed")

// Sink delivers one event to the caller. An error means the caller is gone.
type Sink interface {
	Send(ev research.Event) error
}

// Summary describes what reached the caller.
type Summary struct {
	Forwarded    int
	Terminal     *research.Event
	Disconnected bool
	Err          error
}

type Emitter struct {
	logger logger.ILogger
}

func NewEmitter(log logger.ILogger) *Emitter {
	return &Emitter{logger: log}
}

// Forward copies events from source to sink in order until source is closed.
//
// When assignedID is not empty a SessionAssigned event goes out before anything else.
// Exactly one terminal event reaches the sink: anything after the first terminal is
// dropped, and if source closes without one an internal Error is sent in its place.
// When the sink fails or ctx ends, cancel is called and source is drained so the
// producer can finish; nothing more is written.
func (e *Emitter) Forward(
	ctx context.Context,
	cancel context.CancelFunc,
	assignedID string,
	source <-chan research.Event,
	sink Sink,
) Summary {
	var s Summary

	disconnect := func(err error) Summary {
		s.Disconnected = true
		s.Err = err
		cancel()
		for range source {
		}
		e.logger.Info(moduleStream, "Caller disconnected, stream stopped", map[string]interface{}{
			"forwarded": s.Forwarded,
			"error":     err.Error(),
		})
		return s
	}

	if assignedID != "" {
		if err := sink.Send(research.SessionAssigned(assignedID)); err != nil {
			return disconnect(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return disconnect(ctx.Err())
		case ev, ok := <-source:
			if !ok {
				if s.Terminal != nil {
					return s
				}
				if ctx.Err() != nil {
					return disconnect(ctx.Err())
				}
				e.logger.Error(moduleStream, "Event source closed without a terminal event", nil)
				ev = research.Error(research.KindInternal, "internal error")
				if err := sink.Send(ev); err != nil {
					return disconnect(err)
				}
				s.Terminal = &ev
				return s
			}
			if s.Terminal != nil || ev.Type == research.EventSessionAssigned {
				continue
			}
			if err := sink.Send(ev); err != nil {
				return disconnect(err)
			}
			s.Forwarded++
			if ev.Terminal() {
				t := ev
				s.Terminal = &t
			}
		}
	}
}
