// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/scope"
)

// ApplyRequest is a manifest revision for a ledger that is already
// serving. Scopes absent from the revision keep their current
// configuration; removal is not expressible through Apply.
type ApplyRequest struct {
	// Actor is the audit identity for the revision. Defaults to
	// "ledger".
	Actor string

	// Scopes are the revised static declarations.
	Scopes []ScopeConfig
}

// ApplyResult reports what a revision changed, sorted by path.
type ApplyResult struct {
	Added   []scope.Path `json:"added,omitempty"`
	Updated []scope.Path `json:"updated,omitempty"`
}

// Apply installs a manifest revision over a configured ledger. New
// static scopes are added; an existing static scope may change its
// total, flags, and policy, but a shrink below the scope's current
// used-plus-reserved is rejected so no settled spend is ever
// stranded above its limit. Redeclaring a dynamic scope is an error.
// The revision is all-or-nothing and lands as one audit event.
//
// In-flight policy waits are unaffected: queued waiters and parked
// escalations keep their scope nodes, and grown capacity is pumped to
// them before Apply returns.
func (l *Ledger) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.configured {
		return ApplyResult{}, errors.New("budget: Apply before Configure")
	}

	seen := make(map[scope.Path]bool, len(req.Scopes))
	var adds, updates []ScopeConfig
	for _, config := range req.Scopes {
		if err := config.Validate(); err != nil {
			return ApplyResult{}, err
		}
		if seen[config.Path] {
			return ApplyResult{}, fmt.Errorf("budget: duplicate scope %s in revision", config.Path)
		}
		seen[config.Path] = true

		node, ok := l.scopes[config.Path]
		if !ok {
			adds = append(adds, config)
			continue
		}
		if node.dynamic {
			return ApplyResult{}, fmt.Errorf("budget: revision redeclares dynamic scope %s", config.Path)
		}
		if sameScopeConfig(node, config) {
			continue
		}
		if !config.Unlimited {
			floor := node.used.Add(node.reserved)
			if !config.Total.Covers(floor) {
				return ApplyResult{}, fmt.Errorf("budget: revision total %s for %s is below current usage %s: %w",
					config.Total, config.Path, floor, ErrInsufficientBudget)
			}
		}
		updates = append(updates, config)
	}

	// Persisted usage may exist for a path that only now gains a
	// scope (declared, dropped across a restart, then redeclared).
	var usage map[scope.Path]Amount
	if l.store != nil && len(adds) > 0 {
		loaded, err := l.store.ScopeUsage(ctx)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("budget: loading scope usage: %w", err)
		}
		usage = loaded
	}

	type savedNode struct {
		node         *scopeNode
		total        Amount
		unlimited    bool
		stopOnExceed bool
		policy       PolicyConfig
	}
	saved := make([]savedNode, 0, len(updates))

	result := ApplyResult{}
	for _, config := range adds {
		node := newNode(config, false, "")
		if used, ok := usage[config.Path]; ok {
			node.used = used
		}
		l.scopes[config.Path] = node
		result.Added = append(result.Added, config.Path)
	}
	for _, config := range updates {
		node := l.scopes[config.Path]
		saved = append(saved, savedNode{
			node:         node,
			total:        node.total,
			unlimited:    node.unlimited,
			stopOnExceed: node.stopOnExceed,
			policy:       node.policy,
		})
		node.total = config.Total
		node.unlimited = config.Unlimited
		node.stopOnExceed = config.StopOnExceed
		node.policy = config.Policy
		if node.policy.Kind == "" {
			node.policy = DefaultPolicy()
		}
		node.version++
		result.Updated = append(result.Updated, config.Path)
	}
	sortPaths(result.Added)
	sortPaths(result.Updated)

	actor := req.Actor
	if actor == "" {
		actor = "ledger"
	}
	if err := l.appendAudit(ctx, audit.Record{
		Actor:    actor,
		Action:   audit.ActionBudgetConfigure,
		Resource: "manifest",
		Outcome:  audit.OutcomeSuccess,
		Metadata: map[string]string{
			"scopes":  strconv.Itoa(len(req.Scopes)),
			"added":   strconv.Itoa(len(result.Added)),
			"updated": strconv.Itoa(len(result.Updated)),
		},
	}); err != nil {
		for _, path := range result.Added {
			delete(l.scopes, path)
		}
		for _, s := range saved {
			s.node.total = s.total
			s.node.unlimited = s.unlimited
			s.node.stopOnExceed = s.stopOnExceed
			s.node.policy = s.policy
			s.node.version++
		}
		return ApplyResult{}, err
	}

	// Grown scopes may now cover queued work.
	l.pumpAllLocked(ctx)
	return result, nil
}

// sameScopeConfig reports whether the revision leaves the node as it
// is, so unchanged declarations do not bump versions or audit noise.
func sameScopeConfig(node *scopeNode, config ScopeConfig) bool {
	policy := config.Policy
	if policy.Kind == "" {
		policy = DefaultPolicy()
	}
	return node.total == config.Total &&
		node.unlimited == config.Unlimited &&
		node.stopOnExceed == config.StopOnExceed &&
		samePolicy(node.policy, policy)
}

func samePolicy(a, b PolicyConfig) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch {
	case (a.Queue == nil) != (b.Queue == nil):
		return false
	case a.Queue != nil && *a.Queue != *b.Queue:
		return false
	case (a.Delegate == nil) != (b.Delegate == nil):
		return false
	case a.Delegate != nil && *a.Delegate != *b.Delegate:
		return false
	case (a.Escalate == nil) != (b.Escalate == nil):
		return false
	case a.Escalate != nil && *a.Escalate != *b.Escalate:
		return false
	}
	return true
}

func sortPaths(paths []scope.Path) {
	sort.Slice(paths, func(i, j int) bool {
		return paths[i].String() < paths[j].String()
	})
}
