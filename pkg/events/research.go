package events

import "time"

const (
	TypeResearchCompleted = "RESEARCH_COMPLETED"
	TypeResearchFailed    = "RESEARCH_FAILED"
)

// ResearchCompleted records a delivered answer. The query text is never included.
func ResearchCompleted(sessionID string, evidence, citations int, unverified bool, took time.Duration) BaseEvent {
	return BaseEvent{
		Type: TypeResearchCompleted,
		Data: map[string]interface{}{
			"session_id":  sessionID,
			"evidence":    evidence,
			"citations":   citations,
			"unverified":  unverified,
			"duration_ms": took.Milliseconds(),
		},
		OccurredAt: time.Now(),
	}
}

func ResearchFailed(sessionID, stage, kind string, took time.Duration) BaseEvent {
	return BaseEvent{
		Type: TypeResearchFailed,
		Data: map[string]interface{}{
			"session_id":  sessionID,
			"stage":       stage,
			"kind":        kind,
			"duration_ms": took.Milliseconds(),
		},
		OccurredAt: time.Now(),
	}
}
