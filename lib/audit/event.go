// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Action names what an audit event records. The core set below is
// closed; services embedding steward may register additional
// namespaced actions via RegisterAction before appending them.
type Action string

// Core actions. Task actions record lifecycle transitions, budget
// actions record ledger mutations, resolver and audit actions record
// their own operations.
const (
	ActionTaskPlan     Action = "task/plan"
	ActionTaskExecute  Action = "task/execute"
	ActionTaskReview   Action = "task/review"
	ActionTaskJudge    Action = "task/judge"
	ActionTaskLearn    Action = "task/learn"
	ActionTaskGovern   Action = "task/govern"
	ActionTaskRetry    Action = "task/retry"
	ActionTaskCancel   Action = "task/cancel"
	ActionTaskAbort    Action = "task/abort"
	ActionTaskEscalate Action = "task/escalate"
	ActionTaskReject   Action = "task/reject"

	ActionBudgetReserve    Action = "budget/reserve"
	ActionBudgetCommit     Action = "budget/commit"
	ActionBudgetRelease    Action = "budget/release"
	ActionBudgetEnforce    Action = "budget/enforce"
	ActionBudgetEscalate   Action = "budget/escalate"
	ActionBudgetScopeOpen  Action = "budget/scope-open"
	ActionBudgetScopeClose Action = "budget/scope-close"
	ActionBudgetConfigure  Action = "budget/configure"

	ActionResolverResolve Action = "resolver/resolve"

	ActionAuditVerify  Action = "audit/verify"
	ActionAuditArchive Action = "audit/archive"
)

var coreActions = map[Action]struct{}{
	ActionTaskPlan: {}, ActionTaskExecute: {}, ActionTaskReview: {},
	ActionTaskJudge: {}, ActionTaskLearn: {}, ActionTaskGovern: {},
	ActionTaskRetry: {}, ActionTaskCancel: {}, ActionTaskAbort: {},
	ActionTaskEscalate: {}, ActionTaskReject: {},
	ActionBudgetReserve: {}, ActionBudgetCommit: {}, ActionBudgetRelease: {},
	ActionBudgetEnforce: {}, ActionBudgetEscalate: {},
	ActionBudgetScopeOpen: {}, ActionBudgetScopeClose: {},
	ActionBudgetConfigure: {},
	ActionResolverResolve: {},
	ActionAuditVerify:     {}, ActionAuditArchive: {},
}

var (
	registeredMu      sync.RWMutex
	registeredActions = map[Action]struct{}{}
)

// RegisterAction admits a non-core action for appending. The action
// must be at least two slash-separated lowercase segments and its
// first segment must not shadow a core namespace.
func RegisterAction(action Action) error {
	if err := validateActionShape(string(action)); err != nil {
		return fmt.Errorf("audit: register %q: %w", action, err)
	}
	if _, core := coreActions[action]; core {
		return fmt.Errorf("audit: register %q: already a core action", action)
	}
	for _, ns := range []string{"task/", "budget/", "resolver/", "audit/"} {
		if len(action) > len(ns) && string(action[:len(ns)]) == ns {
			return fmt.Errorf("audit: register %q: namespace %q is reserved", action, ns[:len(ns)-1])
		}
	}
	registeredMu.Lock()
	defer registeredMu.Unlock()
	registeredActions[action] = struct{}{}
	return nil
}

// validateActionShape enforces segment charset and structure.
func validateActionShape(s string) error {
	if s == "" {
		return errors.New("empty action")
	}
	segments := strings.Split(s, "/")
	if len(segments) < 2 {
		return errors.New("action needs at least two segments")
	}
	for _, segment := range segments {
		if segment == "" {
			return errors.New("empty segment")
		}
		for i := 0; i < len(segment); i++ {
			c := segment[i]
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return fmt.Errorf("invalid character %q in segment %q", c, segment)
			}
		}
	}
	return nil
}

// Validate reports whether the action is core or registered.
func (a Action) Validate() error {
	if _, ok := coreActions[a]; ok {
		return nil
	}
	registeredMu.RLock()
	_, ok := registeredActions[a]
	registeredMu.RUnlock()
	if ok {
		return nil
	}
	return fmt.Errorf("audit: unknown action %q", a)
}

// Outcome classifies how the recorded operation ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeDenied    Outcome = "denied"
	OutcomeCancelled Outcome = "cancelled"
)

// Validate checks membership in the closed outcome set.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeDenied, OutcomeCancelled:
		return nil
	}
	return fmt.Errorf("audit: unknown outcome %q", o)
}

// Record is what producers hand to Append: everything about an event
// except what only the writer can assign (sequence, timestamp, chain
// hashes).
type Record struct {
	// Actor is who performed the operation: "orchestrator",
	// "cli:USER", "task/tsk-…".
	Actor string

	// Action names the operation.
	Action Action

	// Resource names what was acted on: "task/tsk-…",
	// "scope/global/iree", "reservation/rsv-…".
	Resource string

	// Outcome classifies the result.
	Outcome Outcome

	// Metadata carries small string details (amounts, reasons,
	// attempt counts). Keys are lower_snake.
	Metadata map[string]string
}

// Validate checks the record is appendable.
func (r Record) Validate() error {
	var errs []error
	if r.Actor == "" {
		errs = append(errs, errors.New("actor is empty"))
	}
	if err := r.Action.Validate(); err != nil {
		errs = append(errs, err)
	}
	if r.Resource == "" {
		errs = append(errs, errors.New("resource is empty"))
	}
	if err := r.Outcome.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("audit: invalid record: %w", err)
	}
	return nil
}

// Event is one link of the audit chain. Events are immutable once
// appended; Hash covers every other field (timestamps at nanosecond
// precision) so any later modification is detectable.
type Event struct {
	Sequence  uint64            `json:"sequence" cbor:"sequence"`
	Timestamp time.Time         `json:"timestamp" cbor:"timestamp"`
	Actor     string            `json:"actor" cbor:"actor"`
	Action    Action            `json:"action" cbor:"action"`
	Resource  string            `json:"resource" cbor:"resource"`
	Outcome   Outcome           `json:"outcome" cbor:"outcome"`
	Metadata  map[string]string `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	PrevHash  Hash              `json:"prev_hash" cbor:"prev_hash"`
	Hash      Hash              `json:"hash" cbor:"hash"`
}
