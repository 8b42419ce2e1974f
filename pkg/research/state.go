package research

import (
	"errors"
	"fmt"

	"ai-research-be/pkg/search"
	"ai-research-be/pkg/store"
)

// ErrUnavailable marks a collaborator that failed or timed out.
var ErrUnavailable = errors.New("unavailable")

// State is a node of the pipeline state machine:
// Init → SecurityIn → Searching → Researching → Synthesizing → SecurityOut → Done, or Failed.
type State string

const (
	StateInit         State = "init"
	StateSecurityIn   State = "security_in"
	StateSearching    State = "searching"
	StateResearching  State = "researching"
	StateSynthesizing State = "synthesizing"
	StateSecurityOut  State = "security_out"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Failure describes why a run ended in StateFailed
type Failure struct {
	Stage  State
	Kind   ErrorKind
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", f.Stage, f.Kind, f.Reason)
}

// Request is the input of one pipeline run. Session is a read-only snapshot.
type Request struct {
	Query      string
	MaxResults int
	Session    store.Session
}

// Finding is a claim distilled from search results together with the pages backing it.
type Finding struct {
	Claim   string
	Sources []string // urls
}

// Citation maps an inline marker such as "[2]" to its source.
type Citation struct {
	Marker string
	URL    string
	Title  string
}

// SynthesisOutput is the final cited answer.
type SynthesisOutput struct {
	Text       string
	Citations  []Citation
	Unverified bool
}

// Outcome summarizes a finished run.
type Outcome struct {
	State       State
	Failure     *Failure
	Output      *SynthesisOutput
	Evidence    []search.Result
	Findings    []Finding
	Transitions []State
}
