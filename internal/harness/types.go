package harness

import "github.com/roach88/ofrenda/internal/ir"

// Trace event kinds.
const (
	KindJoin     = "join"
	KindLeave    = "leave"
	KindPlace    = "place"
	KindRemove   = "remove"
	KindMove     = "move"
	KindCursor   = "cursor"
	KindAdvance  = "advance"
	KindReceive  = "receive"
	KindDisplace = "displace"
)

// Step outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeThrottled = "throttled"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
)

// TraceEvent is one thing that happened to one peer.
type TraceEvent struct {
	Seq  int    `json:"seq"`
	At   int64  `json:"at"`
	Peer string `json:"peer,omitempty"`
	Kind string `json:"kind"`
	// From is the sender of a received message.
	From     string       `json:"from,omitempty"`
	OpID     string       `json:"opId,omitempty"`
	Element  string       `json:"element,omitempty"`
	Position *ir.Position `json:"position,omitempty"`
	Outcome  string       `json:"outcome,omitempty"`
	Detail   string       `json:"detail,omitempty"`
}

// PeerState is a peer's final view of the room.
type PeerState struct {
	// Elements are sorted by id.
	Elements []ir.Placement `json:"elements"`
	Digest   string         `json:"digest"`
	// Members are the peers the collaboration module knows, sorted.
	Members []string `json:"members"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step met its expectation and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace lists every event in the order it happened.
	Trace []TraceEvent `json:"trace"`

	// Errors explains each failure. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Peers holds each peer's final state.
	Peers map[string]PeerState `json:"peers"`

	// Converged is true when every peer ended with the same altar.
	Converged bool `json:"converged"`

	// Host is the room's host at the end, empty when nobody is in it.
	Host string `json:"host,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Peers:  make(map[string]PeerState),
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
