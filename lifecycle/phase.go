// Package lifecycle drives asynchronous operations through
// pending/fulfilled/rejected state transitions over a store, with
// optimistic patches, rollback, retry, and cancellation.
package lifecycle

import (
	"encoding/json"
	"fmt"
)

// Phase represents the lifecycle phase of one request.
type Phase int32

const (
	// PhaseIdle indicates the request has not started.
	PhaseIdle Phase = iota

	// PhasePending indicates the executor is running.
	PhasePending

	// PhaseFulfilled indicates the executor resolved successfully.
	PhaseFulfilled

	// PhaseRejected indicates the executor failed or was cancelled.
	PhaseRejected
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePending:
		return "pending"
	case PhaseFulfilled:
		return "fulfilled"
	case PhaseRejected:
		return "rejected"
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

// ParsePhase converts a string to a Phase.
func ParsePhase(s string) Phase {
	switch s {
	case "idle":
		return PhaseIdle
	case "pending", "loading": // accept the cache-side alias
		return PhasePending
	case "fulfilled", "success":
		return PhaseFulfilled
	case "rejected", "error":
		return PhaseRejected
	default:
		return PhaseIdle
	}
}

// IsTerminal returns true for phases that absorb no further transitions.
func (p Phase) IsTerminal() bool {
	return p == PhaseFulfilled || p == PhaseRejected
}

// ValidTransitions defines allowed phase transitions. Terminal phases
// have no successors; a new operation against the same logical target
// gets a fresh request id instead.
var ValidTransitions = map[Phase][]Phase{
	PhaseIdle:    {PhasePending},
	PhasePending: {PhaseFulfilled, PhaseRejected},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Phase) bool {
	for _, p := range ValidTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid phase transition.
type TransitionError struct {
	RequestID string
	From      Phase
	To        Phase
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition for request %s: %s -> %s", e.RequestID, e.From, e.To)
}
