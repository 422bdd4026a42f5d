// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"fmt"
	"slices"
)

// State is a task's position in its lifecycle. The set is closed;
// transition legality lives in allowedTransitions and nowhere else.
type State string

const (
	StatePlanned     State = "planned"
	StateExecuting   State = "executing"
	StateUnderReview State = "under-review"
	StateJudged      State = "judged"
	StateLearning    State = "learning"
	StateGoverned    State = "governed"

	// Terminal side branches.
	StateAborted   State = "aborted"
	StateEscalated State = "escalated"
	StateRejected  State = "rejected"
)

// allowedTransitions is the whole transition relation. "executing →
// planned" is the retry re-entry after a transient execution failure;
// "judged → executing" is rework after a reject verdict with rework
// budget left.
var allowedTransitions = map[State][]State{
	StatePlanned:     {StateExecuting, StateRejected, StateEscalated, StateAborted},
	StateExecuting:   {StateUnderReview, StatePlanned, StateAborted, StateEscalated},
	StateUnderReview: {StateJudged, StateEscalated, StateAborted},
	StateJudged:      {StateLearning, StateRejected, StateExecuting, StateEscalated, StateAborted},
	StateLearning:    {StateGoverned, StateAborted},
	StateGoverned:    nil,
	StateAborted:     nil,
	StateEscalated:   nil,
	StateRejected:    nil,
}

// Validate reports whether s is a member of the closed state set.
func (s State) Validate() error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("lifecycle: unknown state %q: %w", string(s), ErrValidationFailed)
	}
	return nil
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to State) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// States returns the closed state set in lifecycle order.
func States() []State {
	return []State{
		StatePlanned, StateExecuting, StateUnderReview, StateJudged,
		StateLearning, StateGoverned, StateAborted, StateEscalated,
		StateRejected,
	}
}
