package derive

import "fmt"

// GroupState is the processing state of one fieldmap group.
type GroupState string

const (
	StateDiscovered GroupState = "DISCOVERED"
	StateValidated  GroupState = "VALIDATED"
	StateNoop       GroupState = "NOOP"
	StateDeriving   GroupState = "DERIVING"
	StateWritten    GroupState = "WRITTEN"
	StatePlanned    GroupState = "PLANNED"
	StateFailed     GroupState = "FAILED"
)

// States holds the state of every group of a derivation, keyed by group ID.
type States map[string]GroupState

// IsTerminal reports whether no further transition is allowed from s.
func IsTerminal(s GroupState) bool {
	switch s {
	case StateNoop, StateWritten, StatePlanned, StateFailed:
		return true
	default:
		return false
	}
}

// Transition moves group from one state to another. The expected prior
// state is passed explicitly so a skipped step is reported rather than
// silently absorbed. states is modified only if the move is allowed.
func Transition(states States, group string, from, to GroupState) error {
	cur, ok := states[group]
	if !ok {
		return fmt.Errorf("unknown group in state: %q", group)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", group, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", group, from, to)
	}
	states[group] = to
	return nil
}

func isAllowedTransition(from, to GroupState) bool {
	if to == StateFailed {
		return !IsTerminal(from)
	}
	switch from {
	case StateDiscovered:
		return to == StateValidated
	case StateValidated:
		return to == StateNoop || to == StateDeriving
	case StateDeriving:
		return to == StateWritten || to == StatePlanned
	default:
		return false
	}
}
