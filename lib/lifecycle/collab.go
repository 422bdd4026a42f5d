// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/reference"
)

// ExecutionInput is everything an executor gets: the task as planned,
// the resolutions of its declared references, and the reservation
// backing each pre-declared subtask.
type ExecutionInput struct {
	Task          Task
	Resolved      map[string]reference.Resolution
	SubtaskGrants map[string]string
}

// ExecutionReport is what came back. Cost is the task's total actual
// spend; SubtaskCosts is its per-subtask split, keyed by spec name,
// a granted subtask missing from the map settles at its full grant.
type ExecutionReport struct {
	ExecutionID  string                   `json:"execution_id"`
	Cost         budget.Amount            `json:"cost"`
	SubtaskCosts map[string]budget.Amount `json:"subtask_costs,omitempty"`
	Output       map[string]string        `json:"output,omitempty"`
}

// Validate checks the report is usable for settlement.
func (r ExecutionReport) Validate() error {
	if r.ExecutionID == "" {
		return fmt.Errorf("lifecycle: execution report has no execution id: %w", ErrValidationFailed)
	}
	if err := r.Cost.Validate(); err != nil {
		return fmt.Errorf("lifecycle: execution report cost: %w", err)
	}
	for name, cost := range r.SubtaskCosts {
		if err := cost.Validate(); err != nil {
			return fmt.Errorf("lifecycle: execution report subtask %q cost: %w", name, err)
		}
	}
	return nil
}

// Executor performs the task's work. Wrap failures in ErrTimeout or
// ErrDependencyUnavailable to mark them transient; anything else
// aborts the task.
type Executor interface {
	Execute(ctx context.Context, input ExecutionInput) (ExecutionReport, error)
}

// ReviewInput is what reviewers see: the task and the execution
// report under review.
type ReviewInput struct {
	Task   Task
	Report ExecutionReport
}

// ReviewFinding is one source's verdict on the work. Confidence is
// the source's own certainty in [0, 1]; judgment weights it by the
// source's configured credibility.
type ReviewFinding struct {
	Source     string  `json:"source"`
	Verdict    Verdict `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Note       string  `json:"note,omitempty"`
}

// Validate checks the finding against the closed verdict set and the
// confidence range.
func (f ReviewFinding) Validate() error {
	if f.Source == "" {
		return fmt.Errorf("lifecycle: review finding has no source: %w", ErrValidationFailed)
	}
	if err := f.Verdict.Validate(); err != nil {
		return fmt.Errorf("lifecycle: review finding from %q: %w", f.Source, err)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("lifecycle: review finding from %q: confidence %v outside [0, 1]: %w", f.Source, f.Confidence, ErrValidationFailed)
	}
	return nil
}

// Reviewer collects findings on an execution. One reviewer may return
// findings from several sources (a panel behind one call).
type Reviewer interface {
	Review(ctx context.Context, input ReviewInput) ([]ReviewFinding, error)
}
