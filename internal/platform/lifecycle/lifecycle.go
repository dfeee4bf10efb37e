// Package lifecycle provides a shared status-transition rule table for
// entity state machines.
//
// Trial, Experiment, and Participant all follow the same "only transition
// from state X" guard pattern. Each entity declares its legal transitions
// once as a Rules value and validates every status write through it instead
// of duplicating guard conditions at each call site.
package lifecycle

import "fmt"

// Rules maps a status to the set of statuses it may transition to.
type Rules[S comparable] map[S][]S

// InvalidTransitionError reports a disallowed status transition.
type InvalidTransitionError[S comparable] struct {
	From S
	To   S
}

// Error implements the error interface.
func (e *InvalidTransitionError[S]) Error() string {
	return fmt.Sprintf("invalid status transition from %v to %v", e.From, e.To)
}

// Allowed reports whether the transition from one status to another is legal.
func (r Rules[S]) Allowed(from, to S) bool {
	for _, next := range r[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a status transition, returning an
// InvalidTransitionError when it is not permitted.
func (r Rules[S]) Transition(from, to S) error {
	if !r.Allowed(from, to) {
		return &InvalidTransitionError[S]{From: from, To: to}
	}
	return nil
}

// Terminal reports whether a status has no outgoing transitions.
func (r Rules[S]) Terminal(status S) bool {
	return len(r[status]) == 0
}
