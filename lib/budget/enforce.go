// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/clock"
	"github.com/bureau-foundation/steward/lib/ident"
	"github.com/bureau-foundation/steward/lib/scope"
)

// Decision is Enforce's answer. Policy outcomes are decisions, not
// errors: a denial has Approved false, the reason, and the tightest
// remaining capacity, so rejections stay actionable.
type Decision struct {
	Approved      bool   `json:"approved"`
	ReservationID string `json:"reservation_id,omitempty"`
	Remaining     Amount `json:"remaining"`
	Reason        Reason `json:"reason"`
	RoutingHint   string `json:"routing_hint,omitempty"`
}

// Enforce runs the grant algorithm and, when capacity is short,
// applies the rejecting scope's policy: block denies, queue parks the
// request on the scope's FIFO, delegate denies with a routing hint,
// escalate parks the request for an approver. Errors are reserved for
// validation and infrastructure failures; every policy outcome comes
// back as a Decision with a nil error.
func (l *Ledger) Enforce(ctx context.Context, req ReserveRequest) (Decision, error) {
	result, rej, err := l.reserve(ctx, req, audit.ActionBudgetEnforce)
	if err != nil {
		return Decision{}, err
	}
	if rej == nil {
		return Decision{
			Approved:      true,
			ReservationID: result.reservation.ID,
			Remaining:     result.remaining,
			Reason:        ReasonOK,
		}, nil
	}
	if errors.Is(rej.err, ErrReservationActive) {
		if auditErr := l.auditRejection(ctx, req, audit.ActionBudgetEnforce, rej); auditErr != nil {
			return Decision{}, errors.Join(rej.err, auditErr)
		}
		return Decision{}, rej.err
	}
	switch rej.node.policy.Kind {
	case PolicyBlock:
		return l.deny(ctx, req, rej, ReasonInsufficientBudget, "")
	case PolicyQueue:
		return l.enqueue(ctx, req, rej)
	case PolicyDelegate:
		return l.deny(ctx, req, rej, ReasonDelegated, rej.node.policy.Delegate.Target.String())
	case PolicyEscalate:
		return l.escalate(ctx, req, rej)
	}
	return Decision{}, fmt.Errorf("budget: scope %s has unhandled policy kind %q", rej.node.path, rej.node.policy.Kind)
}

// deny audits and returns a non-approved Decision.
func (l *Ledger) deny(ctx context.Context, req ReserveRequest, rej *rejection, reason Reason, routingHint string) (Decision, error) {
	metadata := map[string]string{
		"owner":           req.Owner,
		"amount":          req.Amount.String(),
		"remaining":       rej.remaining.String(),
		"rejecting_scope": rej.node.path.String(),
		"reason":          string(reason),
	}
	if routingHint != "" {
		metadata["routing_hint"] = routingHint
	}
	if err := l.appendAudit(ctx, audit.Record{
		Actor:    req.Owner,
		Action:   audit.ActionBudgetEnforce,
		Resource: "scope/" + req.Path.String(),
		Outcome:  audit.OutcomeDenied,
		Metadata: metadata,
	}); err != nil {
		return Decision{}, err
	}
	return Decision{Remaining: rej.remaining, Reason: reason, RoutingHint: routingHint}, nil
}

// waitOutcome is what a parked request eventually hears.
type waitOutcome struct {
	decision Decision
	err      error
}

// waiter is one parked queue-policy request. Delivery happens exactly
// once, under the ledger lock: by the pump (grant), the deadline
// timer (timeout), or the requester abandoning its wait.
type waiter struct {
	req        ReserveRequest
	node       *scopeNode
	result     chan waitOutcome
	timer      *clock.Timer
	enqueuedAt time.Time
	delivered  bool
}

// deliverLocked hands the outcome to a waiter exactly once.
func deliverLocked(w *waiter, outcome waitOutcome) {
	w.delivered = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.result <- outcome
}

func removeWaiter(node *scopeNode, w *waiter) {
	for i, queued := range node.waiters {
		if queued == w {
			node.waiters = append(node.waiters[:i], node.waiters[i+1:]...)
			return
		}
	}
}

// enqueue parks the request on the rejecting scope's FIFO. Join order
// is grant order: the head blocks everyone behind it even when a
// later request would fit, so waiters cannot starve.
func (l *Ledger) enqueue(ctx context.Context, req ReserveRequest, rej *rejection) (Decision, error) {
	node := rej.node
	queueConfig := node.policy.Queue
	l.mu.Lock()
	if len(node.waiters) >= queueConfig.Depth {
		l.mu.Unlock()
		return l.deny(ctx, req, rej, ReasonQueueFull, "")
	}
	w := &waiter{
		req:        req,
		node:       node,
		result:     make(chan waitOutcome, 1),
		enqueuedAt: l.clock.Now(),
	}
	node.waiters = append(node.waiters, w)
	// Capacity may have freed between the rejection and this join; an
	// immediate pump closes that window.
	l.pumpNodeLocked(ctx, node)
	if !w.delivered {
		w.timer = l.clock.AfterFunc(queueConfig.MaxWait, func() { l.expireWaiter(w) })
	}
	l.mu.Unlock()

	select {
	case outcome := <-w.result:
		return outcome.decision, outcome.err
	case <-ctx.Done():
		return l.abandonWaiter(ctx, w)
	}
}

// expireWaiter removes a timed-out waiter and delivers the denial.
// Runs on the timer goroutine.
func (l *Ledger) expireWaiter(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.delivered {
		return
	}
	removeWaiter(w.node, w)
	decision := Decision{
		Remaining: remainingOf(l.checkSetLocked(w.req.Path)),
		Reason:    ReasonQueueTimeout,
	}
	err := l.appendAudit(context.Background(), audit.Record{
		Actor:    w.req.Owner,
		Action:   audit.ActionBudgetEnforce,
		Resource: "scope/" + w.req.Path.String(),
		Outcome:  audit.OutcomeDenied,
		Metadata: map[string]string{
			"owner":     w.req.Owner,
			"amount":    w.req.Amount.String(),
			"remaining": decision.Remaining.String(),
			"reason":    string(ReasonQueueTimeout),
			"wait_ms":   strconv.FormatInt(l.clock.Since(w.enqueuedAt).Milliseconds(), 10),
		},
	})
	if err != nil {
		deliverLocked(w, waitOutcome{err: fmt.Errorf("%w: %w", ErrQueueTimeout, err)})
		return
	}
	deliverLocked(w, waitOutcome{decision: decision})
}

// abandonWaiter handles the requester giving up. The pump may have
// delivered concurrently; the delivered outcome wins so the ledger's
// accounting always matches what the requester is told: a grant that
// raced the abandonment comes back approved and the caller owns
// releasing it.
func (l *Ledger) abandonWaiter(ctx context.Context, w *waiter) (Decision, error) {
	l.mu.Lock()
	if w.delivered {
		l.mu.Unlock()
		outcome := <-w.result
		return outcome.decision, outcome.err
	}
	w.delivered = true
	if w.timer != nil {
		w.timer.Stop()
	}
	removeWaiter(w.node, w)
	l.mu.Unlock()
	return Decision{}, ctx.Err()
}

// pumpNodeLocked grants from the queue head while requests fit.
func (l *Ledger) pumpNodeLocked(ctx context.Context, node *scopeNode) {
	for len(node.waiters) > 0 {
		w := node.waiters[0]
		nodes := l.checkSetLocked(w.req.Path)
		if len(nodes) == 0 {
			node.waiters = node.waiters[1:]
			deliverLocked(w, waitOutcome{err: fmt.Errorf("budget: no scope on path %s: %w", w.req.Path, ErrUnknownScope)})
			continue
		}
		if rej := checkGrant(nodes, w.req); rej != nil {
			return
		}
		result, _, err := l.grantLocked(ctx, w.req, nodes, audit.ActionBudgetEnforce, l.clock.Since(w.enqueuedAt))
		node.waiters = node.waiters[1:]
		if err != nil {
			deliverLocked(w, waitOutcome{err: err})
			continue
		}
		deliverLocked(w, waitOutcome{decision: Decision{
			Approved:      true,
			ReservationID: result.reservation.ID,
			Remaining:     result.remaining,
			Reason:        ReasonOK,
		}})
	}
}

// pumpAllLocked retries every scope's queue after capacity moved.
// Capacity freed at one scope can unblock a waiter parked at another
// (the failed check may have been an ancestor's), so every queue gets
// a look. FIFO holds within one scope; cross-scope order is map
// order. Grants appended here use a cancel-free context; the audit
// event belongs to the waiter, not to whichever caller happened to
// free the capacity.
func (l *Ledger) pumpAllLocked(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, node := range l.scopes {
		if len(node.waiters) > 0 {
			l.pumpNodeLocked(ctx, node)
		}
	}
}

// Escalation is one parked request awaiting approval.
type Escalation struct {
	ID        string     `json:"id"`
	Path      scope.Path `json:"path"`
	Owner     string     `json:"owner"`
	Amount    Amount     `json:"amount"`
	Approver  string     `json:"approver"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

type escalation struct {
	Escalation
	req      ReserveRequest
	node     *scopeNode
	result   chan waitOutcome
	timer    *clock.Timer
	resolved bool
}

// escalate parks the request pending ResolveEscalation.
func (l *Ledger) escalate(ctx context.Context, req ReserveRequest, rej *rejection) (Decision, error) {
	node := rej.node
	escalateConfig := node.policy.Escalate
	now := l.clock.Now().UTC()
	e := &escalation{
		Escalation: Escalation{
			ID:        ident.Unique("esc", req.Path.String(), req.Owner),
			Path:      req.Path,
			Owner:     req.Owner,
			Amount:    req.Amount,
			Approver:  escalateConfig.Approver,
			CreatedAt: now,
			ExpiresAt: now.Add(escalateConfig.Timeout),
		},
		req:    req,
		node:   node,
		result: make(chan waitOutcome, 1),
	}

	l.mu.Lock()
	l.escalations[e.ID] = e
	node.escalations++
	e.timer = l.clock.AfterFunc(escalateConfig.Timeout, func() { l.expireEscalation(e) })
	if err := l.appendAudit(ctx, audit.Record{
		Actor:    req.Owner,
		Action:   audit.ActionBudgetEscalate,
		Resource: "escalation/" + e.ID,
		Outcome:  audit.OutcomeSuccess,
		Metadata: map[string]string{
			"owner":           req.Owner,
			"scope":           req.Path.String(),
			"amount":          req.Amount.String(),
			"approver":        escalateConfig.Approver,
			"rejecting_scope": rej.node.path.String(),
		},
	}); err != nil {
		l.settleEscalationLocked(e)
		l.mu.Unlock()
		return Decision{}, err
	}
	l.mu.Unlock()

	select {
	case outcome := <-e.result:
		return outcome.decision, outcome.err
	case <-ctx.Done():
		return l.abandonEscalation(ctx, e)
	}
}

// settleEscalationLocked unparks an escalation without delivering.
func (l *Ledger) settleEscalationLocked(e *escalation) {
	e.resolved = true
	e.timer.Stop()
	delete(l.escalations, e.ID)
	e.node.escalations--
}

// expireEscalation converts an unresolved escalation into a denial.
// Runs on the timer goroutine.
func (l *Ledger) expireEscalation(e *escalation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.resolved {
		return
	}
	l.settleEscalationLocked(e)
	decision := Decision{
		Remaining: remainingOf(l.checkSetLocked(e.req.Path)),
		Reason:    ReasonEscalationTimeout,
	}
	err := l.appendAudit(context.Background(), audit.Record{
		Actor:    e.Owner,
		Action:   audit.ActionBudgetEscalate,
		Resource: "escalation/" + e.ID,
		Outcome:  audit.OutcomeDenied,
		Metadata: map[string]string{
			"owner":     e.Owner,
			"scope":     e.Path.String(),
			"amount":    e.Amount.String(),
			"remaining": decision.Remaining.String(),
			"reason":    string(ReasonEscalationTimeout),
		},
	})
	if err != nil {
		e.result <- waitOutcome{err: err}
		return
	}
	e.result <- waitOutcome{decision: decision}
}

// abandonEscalation mirrors abandonWaiter for parked escalations.
func (l *Ledger) abandonEscalation(ctx context.Context, e *escalation) (Decision, error) {
	l.mu.Lock()
	if e.resolved {
		l.mu.Unlock()
		outcome := <-e.result
		return outcome.decision, outcome.err
	}
	l.settleEscalationLocked(e)
	l.mu.Unlock()
	return Decision{}, ctx.Err()
}

// ResolveEscalation feeds an approval verdict to a parked request.
// Approval re-attempts the grant at resolution time, since capacity may
// have moved while the escalation was parked, so an approved request
// can still come back insufficient.
func (l *Ledger) ResolveEscalation(ctx context.Context, escalationID string, approved bool, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.escalations[escalationID]
	if !ok || e.resolved {
		return fmt.Errorf("budget: escalation %s: %w", escalationID, ErrUnknownEscalation)
	}
	l.settleEscalationLocked(e)
	metadata := map[string]string{
		"owner":  e.Owner,
		"scope":  e.Path.String(),
		"amount": e.Amount.String(),
	}
	if note != "" {
		metadata["note"] = note
	}

	if !approved {
		metadata["reason"] = string(ReasonEscalationDenied)
		if err := l.appendAudit(ctx, audit.Record{
			Actor:    e.Approver,
			Action:   audit.ActionBudgetEscalate,
			Resource: "escalation/" + e.ID,
			Outcome:  audit.OutcomeDenied,
			Metadata: metadata,
		}); err != nil {
			e.result <- waitOutcome{err: err}
			return err
		}
		e.result <- waitOutcome{decision: Decision{
			Remaining: remainingOf(l.checkSetLocked(e.req.Path)),
			Reason:    ReasonEscalationDenied,
		}}
		return nil
	}

	nodes := l.checkSetLocked(e.req.Path)
	if len(nodes) == 0 {
		err := fmt.Errorf("budget: no scope on path %s: %w", e.req.Path, ErrUnknownScope)
		e.result <- waitOutcome{err: err}
		return err
	}
	result, rej, err := l.grantLocked(ctx, e.req, nodes, audit.ActionBudgetEscalate, l.clock.Since(e.CreatedAt))
	if err != nil {
		e.result <- waitOutcome{err: err}
		return err
	}
	if rej != nil {
		if errors.Is(rej.err, ErrReservationActive) {
			e.result <- waitOutcome{err: rej.err}
			return rej.err
		}
		metadata["reason"] = string(ReasonInsufficientBudget)
		metadata["remaining"] = rej.remaining.String()
		if err := l.appendAudit(ctx, audit.Record{
			Actor:    e.Approver,
			Action:   audit.ActionBudgetEscalate,
			Resource: "escalation/" + e.ID,
			Outcome:  audit.OutcomeDenied,
			Metadata: metadata,
		}); err != nil {
			e.result <- waitOutcome{err: err}
			return err
		}
		e.result <- waitOutcome{decision: Decision{
			Remaining: rej.remaining,
			Reason:    ReasonInsufficientBudget,
		}}
		return nil
	}
	e.result <- waitOutcome{decision: Decision{
		Approved:      true,
		ReservationID: result.reservation.ID,
		Remaining:     result.remaining,
		Reason:        ReasonOK,
	}}
	return nil
}

// PendingEscalations lists parked escalations, oldest first.
func (l *Ledger) PendingEscalations() []Escalation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pending := make([]Escalation, 0, len(l.escalations))
	for _, e := range l.escalations {
		pending = append(pending, e.Escalation)
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending
}
