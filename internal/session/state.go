package session

import "warden/internal/faults"

// State is the supervisor-owned lifecycle phase of one session. Transitions
// go through a single legal-edge table; terminal states are absorbing.
type State string

const (
	StateCreated    State = "created"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateCompleting State = "completing"
	StateCancelling State = "cancelling"
	StateTimingOut  State = "timing-out"

	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed-out"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// ParseState maps a wire string onto a known state.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateCreated, StateStarting, StateRunning, StateCompleting,
		StateCancelling, StateTimingOut,
		StateCompleted, StateCancelled, StateFailed, StateTimedOut:
		return st, nil
	}
	return "", faults.Invalid("state_unknown", "unknown session state %q", s)
}

var legalEdges = map[State][]State{
	StateCreated:    {StateStarting, StateFailed},
	StateStarting:   {StateRunning, StateFailed},
	StateRunning:    {StateCompleting, StateCancelling, StateTimingOut, StateFailed},
	StateCompleting: {StateCompleted},
	StateCancelling: {StateCancelled},
	StateTimingOut:  {StateTimedOut},
}

func legalTransition(from, to State) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}
