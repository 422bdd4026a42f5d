// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package budget implements steward's hierarchical resource ledger.
//
// Scopes form a path hierarchy (global, project, task, subtask,
// agent role); each carries total, used, and reserved counters in
// integer tokens and fixed-point currency. A grant is all-or-nothing
// across every configured scope on the request path, which is what
// keeps descendants from reserving more than any ancestor can absorb.
// Dynamically opened task scopes are funded capacity roots: their
// total is carved out of an ancestor reservation, and descendant
// checks stop there, so subtask spend is structurally bounded by the
// parent task's grant.
//
// Mutations couple to the audit log: the state change is applied
// under the ledger lock, the audit event is appended, and a failed
// append reverts the change before the caller hears anything. The
// chain order therefore matches the mutation order.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/clock"
	"github.com/bureau-foundation/steward/lib/ident"
	"github.com/bureau-foundation/steward/lib/scope"
)

// grantAttempts bounds the optimistic grant loop. The final attempt
// plans and applies under the write lock, so the ledger's answer is
// always definitive: granted, or a genuine capacity rejection.
const grantAttempts = 4

// Auditor is the slice of the audit log the ledger needs. A nil
// Auditor disables audit coupling.
type Auditor interface {
	Append(ctx context.Context, record audit.Record) (audit.Event, error)
}

// StateStore persists used counters across restarts. The audit chain
// remains the authoritative record; this is the cheap snapshot the
// ledger reloads at Configure. Reserved holds are deliberately not
// persisted; a restart aborts in-flight work and its holds with it.
type StateStore interface {
	SaveScopeUsage(ctx context.Context, path scope.Path, used Amount) error
	ScopeUsage(ctx context.Context) (map[scope.Path]Amount, error)
}

// ScopeConfig declares one scope, from the manifest or a dynamic
// open.
type ScopeConfig struct {
	Path         scope.Path   `json:"path"`
	Total        Amount       `json:"total"`
	Unlimited    bool         `json:"unlimited,omitempty"`
	StopOnExceed bool         `json:"stop_on_exceed,omitempty"`
	Policy       PolicyConfig `json:"policy,omitzero"`
}

// Validate checks the declaration. A zero policy is allowed and
// defaults to block.
func (c ScopeConfig) Validate() error {
	var errs []error
	if c.Path.IsZero() {
		errs = append(errs, errors.New("path is empty"))
	}
	if err := c.Total.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Unlimited && !c.Total.IsZero() {
		errs = append(errs, errors.New("unlimited scope must not set a total"))
	}
	if c.Policy.Kind != "" {
		if err := c.Policy.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("budget: invalid scope config for %q: %w", c.Path, err)
	}
	return nil
}

// scopeNode is one scope's runtime state. All fields are guarded by
// the ledger mutex; version counts mutations of used/reserved and of
// node existence, which is what the optimistic grant path checks.
type scopeNode struct {
	path         scope.Path
	level        scope.Level
	total        Amount
	unlimited    bool
	stopOnExceed bool
	policy       PolicyConfig
	dynamic      bool
	funded       bool
	fundedBy     string

	used     Amount
	reserved Amount
	version  uint64

	activeOwners map[string]int
	activeCount  int
	waiters      []*waiter
	escalations  int
}

func (n *scopeNode) available() Amount {
	return n.total.Sub(n.used).Sub(n.reserved)
}

func newNode(config ScopeConfig, dynamic bool, fundedBy string) *scopeNode {
	policy := config.Policy
	if policy.Kind == "" {
		policy = DefaultPolicy()
	}
	return &scopeNode{
		path:         config.Path,
		level:        config.Path.Level(),
		total:        config.Total,
		unlimited:    config.Unlimited,
		stopOnExceed: config.StopOnExceed,
		policy:       policy,
		dynamic:      dynamic,
		funded:       fundedBy != "",
		fundedBy:     fundedBy,
		activeOwners: map[string]int{},
	}
}

// Options configure a Ledger. Zero values select the defaults noted
// on each field.
type Options struct {
	// Clock drives queue deadlines and escalation timeouts. Defaults
	// to clock.System().
	Clock clock.Clock

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Auditor records every mutation. Nil disables audit coupling.
	Auditor Auditor

	// Store persists used counters. Nil keeps them in memory only.
	Store StateStore
}

// Ledger is the hierarchical budget ledger. Construct with New,
// install scopes with Configure, then serve Reserve/Commit/Release
// and Enforce concurrently.
type Ledger struct {
	clock   clock.Clock
	logger  *slog.Logger
	auditor Auditor
	store   StateStore

	mu           sync.RWMutex
	configured   bool
	scopes       map[scope.Path]*scopeNode
	reservations map[string]*reservationState
	escalations  map[string]*escalation
}

// New returns an empty Ledger. Call Configure before serving.
func New(options Options) *Ledger {
	if options.Clock == nil {
		options.Clock = clock.System()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Ledger{
		clock:        options.Clock,
		logger:       options.Logger,
		auditor:      options.Auditor,
		store:        options.Store,
		scopes:       map[scope.Path]*scopeNode{},
		reservations: map[string]*reservationState{},
		escalations:  map[string]*escalation{},
	}
}

// Configure installs the manifest scopes and restores used counters
// from the state store. Call once before serving. An unlimited
// "global" root is synthesized when the manifest does not declare
// one, so a check set is never empty.
func (l *Ledger) Configure(ctx context.Context, configs []ScopeConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.configured {
		return errors.New("budget: Configure called twice")
	}
	for _, config := range configs {
		if err := config.Validate(); err != nil {
			return err
		}
		if _, ok := l.scopes[config.Path]; ok {
			return fmt.Errorf("budget: duplicate scope %s in configuration", config.Path)
		}
		l.scopes[config.Path] = newNode(config, false, "")
	}
	if _, ok := l.scopes[scope.Global()]; !ok {
		l.scopes[scope.Global()] = newNode(ScopeConfig{Path: scope.Global(), Unlimited: true}, false, "")
	}
	if l.store != nil {
		usage, err := l.store.ScopeUsage(ctx)
		if err != nil {
			return fmt.Errorf("budget: loading scope usage: %w", err)
		}
		for path, used := range usage {
			if node, ok := l.scopes[path]; ok {
				node.used = used
			}
		}
	}
	l.configured = true
	return nil
}

// checkSetLocked walks leaf-rootward over the configured scopes on
// path, stopping at (and including) the nearest funded scope. Path
// segments with no configured scope contribute no constraint. The
// returned order is leaf first.
func (l *Ledger) checkSetLocked(path scope.Path) []*scopeNode {
	ancestry := path.Ancestry()
	var nodes []*scopeNode
	for i := len(ancestry) - 1; i >= 0; i-- {
		node, ok := l.scopes[ancestry[i]]
		if !ok {
			continue
		}
		nodes = append(nodes, node)
		if node.funded {
			break
		}
	}
	return nodes
}

// rejection describes a failed capacity check: the scope whose policy
// governs what happens next, and the tightest remaining capacity on
// the path.
type rejection struct {
	node      *scopeNode
	remaining Amount
	err       error
}

// checkGrant runs the ownership and capacity checks over a check set.
// Nil means the grant fits everywhere.
func checkGrant(nodes []*scopeNode, req ReserveRequest) *rejection {
	for _, node := range nodes {
		if node.stopOnExceed && node.activeOwners[req.Owner] > 0 {
			return &rejection{
				node:      node,
				remaining: remainingOf(nodes),
				err:       fmt.Errorf("budget: owner %s at %s: %w", req.Owner, node.path, ErrReservationActive),
			}
		}
	}
	for _, node := range nodes {
		if node.unlimited {
			continue
		}
		if !node.available().Covers(req.Amount) {
			return &rejection{
				node:      node,
				remaining: remainingOf(nodes),
				err:       fmt.Errorf("budget: %s at %s leaves %s: %w", req.Amount, node.path, node.available(), ErrInsufficientBudget),
			}
		}
	}
	return nil
}

// remainingOf is the tightest available capacity across the limited
// scopes in a check set. A path with no limited scope reports zero.
func remainingOf(nodes []*scopeNode) Amount {
	var (
		remaining Amount
		limited   bool
	)
	for _, node := range nodes {
		if node.unlimited {
			continue
		}
		if !limited {
			remaining = node.available()
			limited = true
			continue
		}
		remaining = Min(remaining, node.available())
	}
	return remaining
}

func applyHold(nodes []*scopeNode, owner string, amount Amount) {
	for _, node := range nodes {
		node.reserved = node.reserved.Add(amount)
		node.version++
		node.activeOwners[owner]++
		node.activeCount++
	}
}

func revertHold(nodes []*scopeNode, owner string, amount Amount) {
	for _, node := range nodes {
		node.reserved = node.reserved.Sub(amount)
		node.version++
		node.activeOwners[owner]--
		if node.activeOwners[owner] <= 0 {
			delete(node.activeOwners, owner)
		}
		node.activeCount--
	}
}

// grantResult is a successful grant plus the capacity left behind it.
type grantResult struct {
	reservation Reservation
	remaining   Amount
}

type grantPlan struct {
	nodes    []*scopeNode
	versions []uint64
}

// planGrant snapshots the check set under the read lock. Concurrent
// planners proceed in parallel; applyGrant later detects whether the
// snapshot went stale.
func (l *Ledger) planGrant(req ReserveRequest) (grantPlan, *rejection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	nodes := l.checkSetLocked(req.Path)
	if len(nodes) == 0 {
		return grantPlan{}, nil, fmt.Errorf("budget: no scope on path %s: %w", req.Path, ErrUnknownScope)
	}
	if rej := checkGrant(nodes, req); rej != nil {
		return grantPlan{}, rej, nil
	}
	plan := grantPlan{nodes: nodes, versions: make([]uint64, len(nodes))}
	for i, node := range nodes {
		plan.versions[i] = node.version
	}
	return plan, nil, nil
}

// applyGrant retries the plan under the write lock. conflicted
// reports a stale snapshot (different check set or moved versions);
// the caller replans.
func (l *Ledger) applyGrant(ctx context.Context, req ReserveRequest, plan grantPlan, action audit.Action) (*grantResult, bool, *rejection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	nodes := l.checkSetLocked(req.Path)
	if len(nodes) != len(plan.nodes) {
		return nil, true, nil, nil
	}
	for i := range nodes {
		if nodes[i] != plan.nodes[i] || nodes[i].version != plan.versions[i] {
			return nil, true, nil, nil
		}
	}
	result, rej, err := l.grantLocked(ctx, req, nodes, action, 0)
	return result, false, rej, err
}

// grantLocked checks and applies a grant against nodes, records the
// reservation, and appends the audit event. The mutation reverts when
// the append fails. waitFor annotates grants that waited on a queue
// or an escalation. Callers hold the write lock.
func (l *Ledger) grantLocked(ctx context.Context, req ReserveRequest, nodes []*scopeNode, action audit.Action, waitFor time.Duration) (*grantResult, *rejection, error) {
	if rej := checkGrant(nodes, req); rej != nil {
		return nil, rej, nil
	}
	reservation := Reservation{
		ID:        ident.Unique("rsv", req.Path.String(), req.Owner),
		Owner:     req.Owner,
		Path:      req.Path,
		Amount:    req.Amount,
		CreatedAt: l.clock.Now().UTC(),
	}
	held := make([]scope.Path, len(nodes))
	for i, node := range nodes {
		held[i] = node.path
	}
	applyHold(nodes, req.Owner, req.Amount)
	l.reservations[reservation.ID] = &reservationState{Reservation: reservation, held: held}

	remaining := remainingOf(nodes)
	metadata := map[string]string{
		"owner":     req.Owner,
		"scope":     req.Path.String(),
		"amount":    req.Amount.String(),
		"remaining": remaining.String(),
	}
	if waitFor > 0 {
		metadata["wait_ms"] = strconv.FormatInt(waitFor.Milliseconds(), 10)
	}
	if err := l.appendAudit(ctx, audit.Record{
		Actor:    req.Owner,
		Action:   action,
		Resource: "reservation/" + reservation.ID,
		Outcome:  audit.OutcomeSuccess,
		Metadata: metadata,
	}); err != nil {
		revertHold(nodes, req.Owner, req.Amount)
		delete(l.reservations, reservation.ID)
		return nil, nil, err
	}
	return &grantResult{reservation: reservation, remaining: remaining}, nil, nil
}

// reserve runs the bounded optimistic grant loop; the final attempt
// goes straight to the write lock.
func (l *Ledger) reserve(ctx context.Context, req ReserveRequest, action audit.Action) (*grantResult, *rejection, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	for attempt := 1; attempt < grantAttempts; attempt++ {
		plan, rej, err := l.planGrant(req)
		if err != nil {
			return nil, nil, err
		}
		if rej != nil {
			return nil, rej, nil
		}
		result, conflicted, rej, err := l.applyGrant(ctx, req, plan, action)
		if err != nil {
			return nil, nil, err
		}
		if conflicted {
			continue
		}
		return result, rej, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	nodes := l.checkSetLocked(req.Path)
	if len(nodes) == 0 {
		return nil, nil, fmt.Errorf("budget: no scope on path %s: %w", req.Path, ErrUnknownScope)
	}
	return l.grantLocked(ctx, req, nodes, action, 0)
}

// Reserve places a provisional hold at every configured scope on the
// request path, stopping at the nearest funded scope. All-or-nothing:
// either every scope absorbs the hold or nothing changes. Rejections
// surface ErrInsufficientBudget or ErrReservationActive directly; use
// Enforce for policy-mediated behavior.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	result, rej, err := l.reserve(ctx, req, audit.ActionBudgetReserve)
	if err != nil {
		return Reservation{}, err
	}
	if rej != nil {
		if auditErr := l.auditRejection(ctx, req, audit.ActionBudgetReserve, rej); auditErr != nil {
			return Reservation{}, errors.Join(rej.err, auditErr)
		}
		return Reservation{}, rej.err
	}
	return result.reservation, nil
}

// auditRejection records a denied grant. Denials mutate nothing, so a
// failed append has nothing to revert; callers join the audit error
// with the rejection instead.
func (l *Ledger) auditRejection(ctx context.Context, req ReserveRequest, action audit.Action, rej *rejection) error {
	return l.appendAudit(ctx, audit.Record{
		Actor:    req.Owner,
		Action:   action,
		Resource: "scope/" + req.Path.String(),
		Outcome:  audit.OutcomeDenied,
		Metadata: map[string]string{
			"owner":           req.Owner,
			"amount":          req.Amount.String(),
			"remaining":       rej.remaining.String(),
			"rejecting_scope": rej.node.path.String(),
			"error":           rej.err.Error(),
		},
	})
}

// appendAudit records one event. Mutating callers invoke it while
// still holding the write lock so a failed append reverts race-free;
// denial paths call it lock-free.
func (l *Ledger) appendAudit(ctx context.Context, record audit.Record) error {
	if l.auditor == nil {
		return nil
	}
	if _, err := l.auditor.Append(ctx, record); err != nil {
		return fmt.Errorf("budget: audit append for %s: %w", record.Action, err)
	}
	return nil
}

// Commit settles a reservation: the hold comes off every touched
// scope and the actual spend lands in used. actual may differ from
// the grant in either direction, but overage must still satisfy every
// limited scope or the commit is rejected and the reservation stays
// active. Committing an already-settled reservation is a no-op.
func (l *Ledger) Commit(ctx context.Context, reservationID string, actual Amount) error {
	if err := actual.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.reservations[reservationID]
	if !ok {
		return fmt.Errorf("budget: commit %s: %w", reservationID, ErrUnknownReservation)
	}
	if state.settled {
		return nil
	}
	if !state.fundedOut.IsZero() {
		return fmt.Errorf("budget: commit %s: reservation funds open scopes: %w", reservationID, ErrScopeInUse)
	}
	nodes := l.heldNodesLocked(state)
	for _, node := range nodes {
		if node.unlimited {
			continue
		}
		if !node.available().Add(state.Amount).Covers(actual) {
			return fmt.Errorf("budget: commit %s: actual %s exceeds capacity at %s: %w", reservationID, actual, node.path, ErrInsufficientBudget)
		}
	}
	for _, node := range nodes {
		node.reserved = node.reserved.Sub(state.Amount)
		node.used = node.used.Add(actual)
		node.version++
		node.activeOwners[state.Owner]--
		if node.activeOwners[state.Owner] <= 0 {
			delete(node.activeOwners, state.Owner)
		}
		node.activeCount--
	}
	state.settled = true
	if err := l.appendAudit(ctx, audit.Record{
		Actor:    state.Owner,
		Action:   audit.ActionBudgetCommit,
		Resource: "reservation/" + reservationID,
		Outcome:  audit.OutcomeSuccess,
		Metadata: map[string]string{
			"owner":   state.Owner,
			"scope":   state.Path.String(),
			"granted": state.Amount.String(),
			"actual":  actual.String(),
		},
	}); err != nil {
		for _, node := range nodes {
			node.reserved = node.reserved.Add(state.Amount)
			node.used = node.used.Sub(actual)
			node.version++
			node.activeOwners[state.Owner]++
			node.activeCount++
		}
		state.settled = false
		return err
	}
	l.persistUsageLocked(ctx, nodes)
	l.pumpAllLocked(ctx)
	return nil
}

// Release cancels a reservation in full. Reports false without error
// when the reservation is unknown or already settled, which is what
// idempotent cancellation paths want.
func (l *Ledger) Release(ctx context.Context, reservationID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.reservations[reservationID]
	if !ok || state.settled {
		return false, nil
	}
	if !state.fundedOut.IsZero() {
		return false, fmt.Errorf("budget: release %s: reservation funds open scopes: %w", reservationID, ErrScopeInUse)
	}
	nodes := l.heldNodesLocked(state)
	revertHold(nodes, state.Owner, state.Amount)
	state.settled = true
	if err := l.appendAudit(ctx, audit.Record{
		Actor:    state.Owner,
		Action:   audit.ActionBudgetRelease,
		Resource: "reservation/" + reservationID,
		Outcome:  audit.OutcomeSuccess,
		Metadata: map[string]string{
			"owner":  state.Owner,
			"scope":  state.Path.String(),
			"amount": state.Amount.String(),
		},
	}); err != nil {
		applyHold(nodes, state.Owner, state.Amount)
		state.settled = false
		return false, err
	}
	l.pumpAllLocked(ctx)
	return true, nil
}

// heldNodesLocked resolves a reservation's held paths to live nodes.
func (l *Ledger) heldNodesLocked(state *reservationState) []*scopeNode {
	nodes := make([]*scopeNode, 0, len(state.held))
	for _, path := range state.held {
		if node, ok := l.scopes[path]; ok {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// persistUsageLocked snapshots used counters to the state store.
// Failures are logged, not surfaced: the audit chain is the
// authoritative record and the snapshot heals on the next commit.
func (l *Ledger) persistUsageLocked(ctx context.Context, nodes []*scopeNode) {
	if l.store == nil {
		return
	}
	for _, node := range nodes {
		if err := l.store.SaveScopeUsage(ctx, node.path, node.used); err != nil {
			l.logger.Error("scope usage persistence failed", "scope", node.path, "error", err)
		}
	}
}

// OpenScopeRequest creates a dynamic scope, typically a task or
// subtask capacity root carved out of an ancestor reservation.
type OpenScopeRequest struct {
	Path scope.Path `json:"path"`

	// Owner is the audit actor; defaults to "ledger".
	Owner string `json:"owner,omitempty"`

	Total        Amount       `json:"total"`
	StopOnExceed bool         `json:"stop_on_exceed,omitempty"`
	Policy       PolicyConfig `json:"policy,omitzero"`

	// FundedBy names the active reservation backing Total. A funded
	// scope is a capacity root: descendant grants stop their
	// hierarchical walk there. Empty creates a plain constraint node
	// whose ancestors keep counting.
	FundedBy string `json:"funded_by,omitempty"`
}

// Validate checks the request is well-formed.
func (r OpenScopeRequest) Validate() error {
	var errs []error
	if r.Path.IsZero() {
		errs = append(errs, errors.New("path is empty"))
	} else if r.Path.Depth() < 2 {
		errs = append(errs, errors.New("cannot open the root scope"))
	}
	if err := r.Total.Validate(); err != nil {
		errs = append(errs, err)
	} else if r.Total.IsZero() {
		errs = append(errs, errors.New("total is zero"))
	}
	if r.Policy.Kind != "" {
		if err := r.Policy.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("budget: invalid open-scope request: %w", err)
	}
	return nil
}

// OpenScope creates a dynamic scope. A funded scope's total must fit
// within the funding reservation's unallocated amount, and the
// funding reservation cannot settle while the scope is open.
func (l *Ledger) OpenScope(ctx context.Context, req OpenScopeRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.scopes[req.Path]; ok {
		return fmt.Errorf("budget: open %s: %w", req.Path, ErrScopeExists)
	}
	var funding *reservationState
	if req.FundedBy != "" {
		state, ok := l.reservations[req.FundedBy]
		if !ok || state.settled {
			return fmt.Errorf("budget: open %s: funding reservation %s: %w", req.Path, req.FundedBy, ErrUnknownReservation)
		}
		if !req.Path.HasPrefix(state.Path) {
			return fmt.Errorf("budget: open %s: funding reservation %s is held at %s, not an ancestor", req.Path, req.FundedBy, state.Path)
		}
		unallocated := state.Amount.Sub(state.fundedOut)
		if !unallocated.Covers(req.Total) {
			return fmt.Errorf("budget: open %s: total %s exceeds unallocated funding %s: %w", req.Path, req.Total, unallocated, ErrInsufficientBudget)
		}
		funding = state
	}
	node := newNode(ScopeConfig{
		Path:         req.Path,
		Total:        req.Total,
		StopOnExceed: req.StopOnExceed,
		Policy:       req.Policy,
	}, true, req.FundedBy)
	l.scopes[req.Path] = node
	if funding != nil {
		funding.fundedOut = funding.fundedOut.Add(req.Total)
	}
	actor := req.Owner
	if actor == "" {
		actor = "ledger"
	}
	metadata := map[string]string{"total": req.Total.String()}
	if req.FundedBy != "" {
		metadata["funded_by"] = req.FundedBy
	}
	if err := l.appendAudit(ctx, audit.Record{
		Actor:    actor,
		Action:   audit.ActionBudgetScopeOpen,
		Resource: "scope/" + req.Path.String(),
		Outcome:  audit.OutcomeSuccess,
		Metadata: metadata,
	}); err != nil {
		delete(l.scopes, req.Path)
		if funding != nil {
			funding.fundedOut = funding.fundedOut.Sub(req.Total)
		}
		return err
	}
	l.pumpAllLocked(ctx)
	return nil
}

// CloseScope removes a dynamic scope and its dynamic descendants.
// Every reservation, queued waiter, and parked escalation in the
// subtree must have settled first. Closing returns the subtree's
// totals to the funding reservations.
func (l *Ledger) CloseScope(ctx context.Context, path scope.Path) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	root, ok := l.scopes[path]
	if !ok {
		return fmt.Errorf("budget: close %s: %w", path, ErrUnknownScope)
	}
	if !root.dynamic {
		return fmt.Errorf("budget: close %s: scope is static", path)
	}
	var subtree []*scopeNode
	for _, node := range l.scopes {
		if !node.path.HasPrefix(path) {
			continue
		}
		if !node.dynamic {
			return fmt.Errorf("budget: close %s: %s is static", path, node.path)
		}
		if node.activeCount > 0 || len(node.waiters) > 0 || node.escalations > 0 {
			return fmt.Errorf("budget: close %s: %s: %w", path, node.path, ErrScopeInUse)
		}
		subtree = append(subtree, node)
	}
	for _, node := range subtree {
		node.version++
		delete(l.scopes, node.path)
		if node.funded {
			if funding, ok := l.reservations[node.fundedBy]; ok {
				funding.fundedOut = funding.fundedOut.Sub(node.total)
			}
		}
	}
	if err := l.appendAudit(ctx, audit.Record{
		Actor:    "ledger",
		Action:   audit.ActionBudgetScopeClose,
		Resource: "scope/" + path.String(),
		Outcome:  audit.OutcomeSuccess,
		Metadata: map[string]string{"scopes": strconv.Itoa(len(subtree))},
	}); err != nil {
		for _, node := range subtree {
			node.version++
			l.scopes[node.path] = node
			if node.funded {
				if funding, ok := l.reservations[node.fundedBy]; ok {
					funding.fundedOut = funding.fundedOut.Add(node.total)
				}
			}
		}
		return err
	}
	return nil
}

// Reservation returns the public view of a reservation and whether it
// is still active.
func (l *Ledger) Reservation(reservationID string) (Reservation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state, ok := l.reservations[reservationID]
	if !ok {
		return Reservation{}, false
	}
	return state.Reservation, !state.settled
}

// Remaining reports the tightest available capacity among the limited
// scopes on path.
func (l *Ledger) Remaining(path scope.Path) (Amount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	nodes := l.checkSetLocked(path)
	if len(nodes) == 0 {
		return Amount{}, fmt.Errorf("budget: no scope on path %s: %w", path, ErrUnknownScope)
	}
	return remainingOf(nodes), nil
}

// ScopeStatus is one scope's point-in-time accounting.
type ScopeStatus struct {
	Path         scope.Path  `json:"path"`
	Level        scope.Level `json:"level"`
	Total        Amount      `json:"total"`
	Used         Amount      `json:"used"`
	Reserved     Amount      `json:"reserved"`
	Available    Amount      `json:"available"`
	Unlimited    bool        `json:"unlimited,omitempty"`
	StopOnExceed bool        `json:"stop_on_exceed,omitempty"`
	Policy       PolicyKind  `json:"policy"`
	Dynamic      bool        `json:"dynamic,omitempty"`
	Funded       bool        `json:"funded,omitempty"`
	Active       int         `json:"active_reservations"`
	QueueDepth   int         `json:"queue_depth"`
	Escalations  int         `json:"escalations,omitempty"`
}

// Snapshot returns every scope's status, sorted by path. Available is
// zero for unlimited scopes.
func (l *Ledger) Snapshot() []ScopeStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	statuses := make([]ScopeStatus, 0, len(l.scopes))
	for _, node := range l.scopes {
		status := ScopeStatus{
			Path:         node.path,
			Level:        node.level,
			Total:        node.total,
			Used:         node.used,
			Reserved:     node.reserved,
			Unlimited:    node.unlimited,
			StopOnExceed: node.stopOnExceed,
			Policy:       node.policy.Kind,
			Dynamic:      node.dynamic,
			Funded:       node.funded,
			Active:       node.activeCount,
			QueueDepth:   len(node.waiters),
			Escalations:  node.escalations,
		}
		if !node.unlimited {
			status.Available = node.available()
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Path.String() < statuses[j].Path.String()
	})
	return statuses
}
