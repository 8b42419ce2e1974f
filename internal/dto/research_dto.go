package dto

// QueryRequest is the body of POST /api/query
type QueryRequest struct {
	Query      string  `json:"query" validate:"required,notblank"`
	SessionId  *string `json:"sessionId"`
	MaxResults *int    `json:"max_results,omitempty" validate:"omitempty,min=1"`
}

// StreamMessage is one typed line of the response stream
type StreamMessage struct {
	Type    string `json:"type"` // "status" | "content" | "error"
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"` // set on errors only
}

// SessionMessage announces a newly assigned session, before any typed line
type SessionMessage struct {
	SessionId string `json:"sessionId"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Sockets  int    `json:"sockets"`
}
