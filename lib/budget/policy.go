// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/steward/lib/scope"
)

// PolicyKind selects what the ledger does with a request it cannot
// grant immediately.
type PolicyKind string

const (
	// PolicyBlock rejects the request outright.
	PolicyBlock PolicyKind = "block"

	// PolicyQueue parks the request on a bounded per-scope FIFO until
	// capacity frees or the wait deadline passes.
	PolicyQueue PolicyKind = "queue"

	// PolicyDelegate rejects the request with a routing hint naming an
	// alternate scope; nothing is granted.
	PolicyDelegate PolicyKind = "delegate"

	// PolicyEscalate parks the request pending an approval signal;
	// unresolved escalations time out into a denial.
	PolicyEscalate PolicyKind = "escalate"
)

// QueueConfig bounds a queue policy.
type QueueConfig struct {
	// Depth is the maximum number of parked requests. Joining a full
	// queue is denied with reason queue_full.
	Depth int `json:"depth"`

	// MaxWait bounds one request's time in the queue.
	MaxWait time.Duration `json:"max_wait"`
}

// DelegateConfig names where a delegate policy routes.
type DelegateConfig struct {
	Target scope.Path `json:"target"`
}

// EscalateConfig parks rejected requests for an approver.
type EscalateConfig struct {
	// Approver identifies who resolves escalations at this scope,
	// surfaced in pending listings and audit events.
	Approver string `json:"approver"`

	// Timeout converts an unresolved escalation into a denial.
	Timeout time.Duration `json:"timeout"`
}

// PolicyConfig is a closed tagged variant: a Kind plus exactly the
// parameter block that kind requires.
type PolicyConfig struct {
	Kind     PolicyKind      `json:"kind"`
	Queue    *QueueConfig    `json:"queue,omitempty"`
	Delegate *DelegateConfig `json:"delegate,omitempty"`
	Escalate *EscalateConfig `json:"escalate,omitempty"`
}

// DefaultPolicy blocks.
func DefaultPolicy() PolicyConfig { return PolicyConfig{Kind: PolicyBlock} }

// Validate checks the kind is known and carries exactly its own
// parameter block.
func (p PolicyConfig) Validate() error {
	var errs []error
	switch p.Kind {
	case PolicyBlock:
		if p.Queue != nil || p.Delegate != nil || p.Escalate != nil {
			errs = append(errs, errors.New("block policy takes no parameters"))
		}
	case PolicyQueue:
		if p.Delegate != nil || p.Escalate != nil {
			errs = append(errs, errors.New("queue policy takes only a queue block"))
		}
		if p.Queue == nil {
			errs = append(errs, errors.New("queue policy needs a queue block"))
			break
		}
		if p.Queue.Depth <= 0 {
			errs = append(errs, fmt.Errorf("queue depth %d is not positive", p.Queue.Depth))
		}
		if p.Queue.MaxWait <= 0 {
			errs = append(errs, fmt.Errorf("queue max wait %s is not positive", p.Queue.MaxWait))
		}
	case PolicyDelegate:
		if p.Queue != nil || p.Escalate != nil {
			errs = append(errs, errors.New("delegate policy takes only a delegate block"))
		}
		if p.Delegate == nil {
			errs = append(errs, errors.New("delegate policy needs a delegate block"))
			break
		}
		if p.Delegate.Target.IsZero() {
			errs = append(errs, errors.New("delegate target is empty"))
		}
	case PolicyEscalate:
		if p.Queue != nil || p.Delegate != nil {
			errs = append(errs, errors.New("escalate policy takes only an escalate block"))
		}
		if p.Escalate == nil {
			errs = append(errs, errors.New("escalate policy needs an escalate block"))
			break
		}
		if p.Escalate.Approver == "" {
			errs = append(errs, errors.New("escalate approver is empty"))
		}
		if p.Escalate.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("escalate timeout %s is not positive", p.Escalate.Timeout))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown policy kind %q", p.Kind))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("budget: invalid policy: %w", err)
	}
	return nil
}

// Reason explains an enforcement Decision. Closed set; every member
// is produced by the ledger.
type Reason string

const (
	// ReasonOK accompanies an approved decision.
	ReasonOK Reason = "ok"

	// ReasonInsufficientBudget is a block-policy denial: the request
	// does not fit and the scope rejects outright.
	ReasonInsufficientBudget Reason = "insufficient_budget"

	// ReasonQueueTimeout is a queued request that hit MaxWait.
	ReasonQueueTimeout Reason = "queue_timeout"

	// ReasonQueueFull is a request that found the FIFO at depth.
	ReasonQueueFull Reason = "queue_full"

	// ReasonDelegated is a delegate-policy rejection; the decision's
	// RoutingHint names the alternate scope.
	ReasonDelegated Reason = "delegated"

	// ReasonEscalationDenied is an escalation the approver rejected.
	ReasonEscalationDenied Reason = "escalation_denied"

	// ReasonEscalationTimeout is an escalation nobody resolved.
	ReasonEscalationTimeout Reason = "escalation_timeout"
)

// Validate checks membership in the closed reason set.
func (r Reason) Validate() error {
	switch r {
	case ReasonOK, ReasonInsufficientBudget, ReasonQueueTimeout, ReasonQueueFull,
		ReasonDelegated, ReasonEscalationDenied, ReasonEscalationTimeout:
		return nil
	}
	return fmt.Errorf("budget: unknown reason %q", r)
}
