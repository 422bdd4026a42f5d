// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/steward/lib/budget"
	"github.com/bureau-foundation/steward/lib/reference"
	"github.com/bureau-foundation/steward/lib/scope"
)

// Task is one governed unit of work. Created by Machine.Create,
// mutated only by the machine, immutable once terminal. Version is
// the store's compare-and-set guard: PutTask succeeds only when the
// stored version matches and increments it.
type Task struct {
	ID          string        `json:"id"`
	Goal        string        `json:"goal"`
	Scope       scope.Path    `json:"scope"`
	Estimate    budget.Amount `json:"estimate"`
	State       State         `json:"state"`
	Attempt     int           `json:"attempt"`
	Reworks     int           `json:"reworks,omitempty"`
	Reservation string        `json:"reservation,omitempty"`
	References  []string      `json:"references,omitempty"`
	Subtasks    []SubtaskSpec `json:"subtasks,omitempty"`
	Result      *Outcome      `json:"result,omitempty"`
	Version     int64         `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TaskPath is the dynamic budget scope the task's reservation funds:
// the billing scope extended by the task's own identifier.
func (t Task) TaskPath() (scope.Path, error) {
	return t.Scope.Child(t.ID)
}

// SubtaskSpec pre-declares a split of the task's budget. Name becomes
// a scope segment under the task scope; Role, when set, adds the
// agent-role level below it.
type SubtaskSpec struct {
	Name     string        `json:"name"`
	Estimate budget.Amount `json:"estimate"`
	Role     string        `json:"role,omitempty"`
}

// Outcome summarizes a terminal task: the judgment verdict and
// confidence where one was rendered, the committed actual cost, and
// the routing hint when a delegate policy redirected the work.
type Outcome struct {
	Verdict     Verdict       `json:"verdict,omitempty"`
	Confidence  float64       `json:"confidence,omitempty"`
	ActualCost  budget.Amount `json:"actual_cost"`
	Summary     string        `json:"summary,omitempty"`
	RoutingHint string        `json:"routing_hint,omitempty"`
}

// TaskRequest is the submission shape: what to do, where to bill it,
// and what it is expected to cost.
type TaskRequest struct {
	Goal       string        `json:"goal"`
	Scope      scope.Path    `json:"scope"`
	Estimate   budget.Amount `json:"estimate"`
	References []string      `json:"references,omitempty"`
	Subtasks   []SubtaskSpec `json:"subtasks,omitempty"`
}

// Validate checks the request is well-formed: parseable references,
// subtask names that are legal scope segments and mutually distinct,
// and a positive estimate that covers the declared splits.
func (r TaskRequest) Validate() error {
	var errs []error
	if r.Goal == "" {
		errs = append(errs, errors.New("goal is empty"))
	}
	if r.Scope.IsZero() {
		errs = append(errs, errors.New("scope is empty"))
	} else if r.Scope.Depth() >= scope.MaxDepth {
		errs = append(errs, fmt.Errorf("scope %s leaves no room for the task segment", r.Scope))
	}
	if err := r.Estimate.Validate(); err != nil {
		errs = append(errs, err)
	} else if r.Estimate.IsZero() {
		errs = append(errs, errors.New("estimate is zero"))
	}
	for _, raw := range r.References {
		if _, err := reference.ParseToken(raw); err != nil {
			errs = append(errs, err)
		}
	}
	names := make(map[string]struct{}, len(r.Subtasks))
	split := budget.Amount{}
	for _, subtask := range r.Subtasks {
		if _, dup := names[subtask.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate subtask %q", subtask.Name))
		}
		names[subtask.Name] = struct{}{}
		if err := subtask.validate(r.Scope); err != nil {
			errs = append(errs, err)
		}
		split = split.Add(subtask.Estimate)
	}
	if len(r.Subtasks) > 0 && !r.Estimate.Covers(split) {
		errs = append(errs, fmt.Errorf("subtask estimates total %s, more than the task estimate %s", split, r.Estimate))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("lifecycle: invalid task request: %w: %w", ErrValidationFailed, err)
	}
	return nil
}

func (s SubtaskSpec) validate(base scope.Path) error {
	if s.Name == "" {
		return errors.New("subtask name is empty")
	}
	depth := base.Depth() + 2 // task segment + subtask segment
	if s.Role != "" {
		depth++
	}
	if depth > scope.MaxDepth {
		return fmt.Errorf("subtask %q exceeds the scope depth limit", s.Name)
	}
	probe := scope.Global()
	if _, err := probe.Child(s.Name); err != nil {
		return fmt.Errorf("subtask %q is not a valid scope segment: %w", s.Name, err)
	}
	if s.Role != "" {
		if _, err := probe.Child(s.Role); err != nil {
			return fmt.Errorf("subtask %q role %q is not a valid scope segment: %w", s.Name, s.Role, err)
		}
	}
	if err := s.Estimate.Validate(); err != nil {
		return fmt.Errorf("subtask %q: %w", s.Name, err)
	}
	if s.Estimate.IsZero() {
		return fmt.Errorf("subtask %q estimate is zero", s.Name)
	}
	return nil
}

// path returns the subtask's budget scope under the task scope.
func (s SubtaskSpec) path(taskPath scope.Path) (scope.Path, error) {
	p, err := taskPath.Child(s.Name)
	if err != nil {
		return scope.Path{}, err
	}
	if s.Role != "" {
		return p.Child(s.Role)
	}
	return p, nil
}

// TaskStore persists tasks. PutTask is a compare-and-set: it succeeds
// only when the stored version equals task.Version (zero inserts),
// stores the task with the version incremented, and returns the
// stored copy. A mismatch returns ErrConcurrentModification; a lookup
// miss returns ErrUnknownTask. Implementations live in lib/store.
type TaskStore interface {
	PutTask(ctx context.Context, task Task) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, filter ListFilter) ([]Task, error)
}

// ListFilter narrows ListTasks. Zero fields do not filter; Scope
// matches the billing scope and every scope below it.
type ListFilter struct {
	State State
	Scope scope.Path
	Limit int
}

// SignalType classifies a learning signal.
type SignalType string

const (
	SignalOutcome        SignalType = "outcome"
	SignalCostVariance   SignalType = "cost-variance"
	SignalReviewFeedback SignalType = "review-feedback"
)

// Signal is one learning observation derived from a governed
// execution. The (ExecutionID, Type) pair is the upsert key: writing
// the same pair twice must change nothing.
type Signal struct {
	ExecutionID string            `json:"execution_id"`
	Type        SignalType        `json:"type"`
	TaskID      string            `json:"task_id"`
	Payload     map[string]string `json:"payload,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// LearningStore persists signals. PutSignal reports whether the
// signal was inserted: false means the (ExecutionID, Type) key
// already existed and the stored signal is unchanged.
type LearningStore interface {
	PutSignal(ctx context.Context, signal Signal) (bool, error)
	SignalsForExecution(ctx context.Context, executionID string) ([]Signal, error)
}
