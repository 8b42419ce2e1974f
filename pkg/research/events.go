package research

// EventType tags the variants of Event
type EventType string

const (
	EventStatus          EventType = "status"
	EventContent         EventType = "content"
	EventError           EventType = "error"
	EventSessionAssigned EventType = "session"
)

// ErrorKind classifies an Error event
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindRateLimited       ErrorKind = "rate_limited"
	KindSecurityViolation ErrorKind = "security_violation"
	KindUnavailable       ErrorKind = "unavailable"
	KindSessionExpired    ErrorKind = "session_expired"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal"
)

// Event is one unit of the outbound progress stream.
// Text is set for Status, Content and Error; Kind only for Error; SessionID only for SessionAssigned.
type Event struct {
	Type      EventType
	Text      string
	Kind      ErrorKind
	SessionID string
}

// Terminal reports whether the event closes a request's stream.
func (e Event) Terminal() bool {
	return e.Type == EventContent || e.Type == EventError
}

func Status(text string) Event { return Event{Type: EventStatus, Text: text} }

func Content(text string) Event { return Event{Type: EventContent, Text: text} }

func Error(kind ErrorKind, text string) Event { return Event{Type: EventError, Kind: kind, Text: text} }

func SessionAssigned(id string) Event { return Event{Type: EventSessionAssigned, SessionID: id} }

// Status texts emitted when a stage is entered.
const (
	StatusCheckingSafety = "checking safety"
	StatusSearching      = "searching"
	StatusResearching    = "researching"
	StatusSynthesizing   = "synthesizing"
)
