package service

import (
	"context"

	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/events"
)

const moduleAudit = "AUDIT"

// IAuditService publishes research lifecycle events and records them once delivered.
type IAuditService interface {
	Publish(ctx context.Context, event events.Event)
	Handle(ctx context.Context, event events.Event) error
}

type auditService struct {
	publisher events.Publisher
	logger    logger.ILogger
}

// NewAuditService accepts a nil publisher, in which case nothing is published.
func NewAuditService(publisher events.Publisher, log logger.ILogger) IAuditService {
	return &auditService{publisher: publisher, logger: log}
}

func (s *auditService) Publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error(moduleAudit, "Failed to publish "+event.EventType()+" event", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Handle is the bus consumer: every delivered event becomes an audit log line.
func (s *auditService) Handle(_ context.Context, event events.Event) error {
	details := make(map[string]interface{}, len(event.Payload())+2)
	for k, v := range event.Payload() {
		details[k] = v
	}
	details["event_type"] = event.EventType()
	details["occurred_at"] = event.Timestamp()

	if event.EventType() == events.TypeResearchFailed {
		s.logger.Warn(moduleAudit, "Research request failed", details)
		return nil
	}
	s.logger.Info(moduleAudit, "Research request completed", details)
	return nil
}
