// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle_test

import (
	"errors"
	"testing"

	"github.com/bureau-foundation/steward/lib/lifecycle"
)

func TestStateValidate(t *testing.T) {
	for _, state := range lifecycle.States() {
		if err := state.Validate(); err != nil {
			t.Errorf("Validate(%s): %v", state, err)
		}
	}
	err := lifecycle.State("paused").Validate()
	if !errors.Is(err, lifecycle.ErrValidationFailed) {
		t.Fatalf("Validate(paused) = %v, want ErrValidationFailed", err)
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := map[lifecycle.State]bool{
		lifecycle.StateGoverned:  true,
		lifecycle.StateAborted:   true,
		lifecycle.StateEscalated: true,
		lifecycle.StateRejected:  true,
	}
	for _, state := range lifecycle.States() {
		if got := state.Terminal(); got != terminal[state] {
			t.Errorf("Terminal(%s) = %v, want %v", state, got, terminal[state])
		}
	}
	if lifecycle.State("paused").Terminal() {
		t.Error("unknown state reported terminal")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to lifecycle.State }{
		{lifecycle.StatePlanned, lifecycle.StateExecuting},
		{lifecycle.StatePlanned, lifecycle.StateRejected},
		{lifecycle.StatePlanned, lifecycle.StateEscalated},
		{lifecycle.StatePlanned, lifecycle.StateAborted},
		{lifecycle.StateExecuting, lifecycle.StateUnderReview},
		{lifecycle.StateExecuting, lifecycle.StatePlanned}, // transient retry
		{lifecycle.StateExecuting, lifecycle.StateAborted},
		{lifecycle.StateExecuting, lifecycle.StateEscalated},
		{lifecycle.StateUnderReview, lifecycle.StateJudged},
		{lifecycle.StateUnderReview, lifecycle.StateEscalated},
		{lifecycle.StateUnderReview, lifecycle.StateAborted},
		{lifecycle.StateJudged, lifecycle.StateLearning},
		{lifecycle.StateJudged, lifecycle.StateRejected},
		{lifecycle.StateJudged, lifecycle.StateExecuting}, // rework
		{lifecycle.StateJudged, lifecycle.StateEscalated},
		{lifecycle.StateJudged, lifecycle.StateAborted},
		{lifecycle.StateLearning, lifecycle.StateGoverned},
		{lifecycle.StateLearning, lifecycle.StateAborted},
	}
	legal := map[[2]lifecycle.State]bool{}
	for _, step := range allowed {
		legal[[2]lifecycle.State{step.from, step.to}] = true
		if !lifecycle.CanTransition(step.from, step.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", step.from, step.to)
		}
	}
	// Everything not listed above is illegal, including every step out
	// of a terminal state and every self-transition.
	for _, from := range lifecycle.States() {
		for _, to := range lifecycle.States() {
			if legal[[2]lifecycle.State{from, to}] {
				continue
			}
			if lifecycle.CanTransition(from, to) {
				t.Errorf("CanTransition(%s, %s) = true, want false", from, to)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range lifecycle.States() {
		if !from.Terminal() {
			continue
		}
		for _, to := range lifecycle.States() {
			if lifecycle.CanTransition(from, to) {
				t.Errorf("terminal state %s can transition to %s", from, to)
			}
		}
	}
}
