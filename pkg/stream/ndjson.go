package stream

import (
	"bufio"
	"encoding/json"
	"fmt"

	"ai-research-be/internal/dto"
	"ai-research-be/pkg/research"
)

// Encode renders ev in its wire shape: {"sessionId"} for a new session,
// {"type","content"[,"kind"]} for everything else.
func Encode(ev research.Event) ([]byte, error) {
	if ev.Type == research.EventSessionAssigned {
		return json.Marshal(dto.SessionMessage{SessionId: ev.SessionID})
	}
	msg := dto.StreamMessage{
		Type:    string(ev.Type),
		Content: ev.Text,
	}
	if ev.Type == research.EventError {
		msg.Kind = string(ev.Kind)
	}
	return json.Marshal(msg)
}

// NDJSONSink writes one JSON object per line and flushes after each line.
type NDJSONSink struct {
	w *bufio.Writer
}

func NewNDJSONSink(w *bufio.Writer) *NDJSONSink {
	return &NDJSONSink{w: w}
}

func (s *NDJSONSink) Send(ev research.Event) error {
	line, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	return nil
}
