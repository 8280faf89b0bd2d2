// Package opstate defines the lifecycle every mutating marketplace operation
// walks through, from submission to the emission of its status event.
package opstate

import (
	"encoding/json"
	"fmt"
)

// Phase is a point in an operation's lifecycle.
type Phase int32

const (
	// PhasePending is the phase of a submitted operation before access control.
	PhasePending Phase = iota

	// PhaseAuthorized means the caller holds the required capability.
	PhaseAuthorized

	// PhaseRejected means the caller was refused.
	PhaseRejected

	// PhaseApplied means the mutation committed.
	PhaseApplied

	// PhaseAborted means the operation failed with no state change.
	PhaseAborted

	// PhaseEventEmitted is terminal; the status event has been published.
	PhaseEventEmitted
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseAuthorized:
		return "authorized"
	case PhaseRejected:
		return "rejected"
	case PhaseApplied:
		return "applied"
	case PhaseAborted:
		return "aborted"
	case PhaseEventEmitted:
		return "event-emitted"
	default:
		return fmt.Sprintf("phase(%d)", p)
	}
}

// MarshalJSON implements json.Marshaler.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*p = ParsePhase(str)
	return nil
}

// ParsePhase converts a string to Phase. Unknown strings map to PhasePending.
func ParsePhase(s string) Phase {
	switch s {
	case "authorized":
		return PhaseAuthorized
	case "rejected":
		return PhaseRejected
	case "applied", "committed":
		return PhaseApplied
	case "aborted":
		return PhaseAborted
	case "event-emitted", "emitted":
		return PhaseEventEmitted
	default:
		return PhasePending
	}
}

// IsTerminal reports whether no further transition is possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseEventEmitted
}

// Succeeded reports whether the phase lies on the success path.
func (p Phase) Succeeded() bool {
	return p == PhaseAuthorized || p == PhaseApplied
}

// ValidTransitions defines the allowed lifecycle moves.
var ValidTransitions = map[Phase][]Phase{
	PhasePending:    {PhaseAuthorized, PhaseRejected},
	PhaseAuthorized: {PhaseApplied, PhaseAborted},
	PhaseRejected:   {PhaseAborted},
	PhaseApplied:    {PhaseEventEmitted},
	PhaseAborted:    {PhaseEventEmitted},
}

// CanTransition returns true if from -> to is allowed.
func CanTransition(from, to Phase) bool {
	for _, p := range ValidTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// TransitionError represents an illegal lifecycle move.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition: %s -> %s", e.From, e.To)
}

// Tracker follows one operation through its lifecycle. It is not safe for
// concurrent use; each operation owns its tracker.
type Tracker struct {
	current Phase
	history []Phase
}

// NewTracker returns a tracker positioned at PhasePending.
func NewTracker() *Tracker {
	return &Tracker{current: PhasePending, history: []Phase{PhasePending}}
}

// Current returns the current phase.
func (t *Tracker) Current() Phase {
	return t.current
}

// History returns every phase visited, in order.
func (t *Tracker) History() []Phase {
	out := make([]Phase, len(t.history))
	copy(out, t.history)
	return out
}

// Advance moves to next or returns a TransitionError.
func (t *Tracker) Advance(next Phase) error {
	if !CanTransition(t.current, next) {
		return TransitionError{From: t.current, To: next}
	}
	t.current = next
	t.history = append(t.history, next)
	return nil
}

// Outcome returns the phase reached just before emission: PhaseApplied or
// PhaseAborted once the operation has settled, otherwise the current phase.
func (t *Tracker) Outcome() Phase {
	for i := len(t.history) - 1; i >= 0; i-- {
		if p := t.history[i]; p == PhaseApplied || p == PhaseAborted {
			return p
		}
	}
	return t.current
}
