// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package budget

import "errors"

var (
	// ErrInsufficientBudget rejects a grant that would push any scope
	// on the path past its total. Enforcement decisions carry the
	// tightest remaining capacity alongside the rejection.
	ErrInsufficientBudget = errors.New("budget: insufficient budget")

	// ErrQueueTimeout reports a queued request that hit the scope's
	// maximum wait, or found the queue already at depth.
	ErrQueueTimeout = errors.New("budget: queue timeout")

	// ErrReservationActive rejects a second active reservation for the
	// same owner at a scope configured with StopOnExceed.
	ErrReservationActive = errors.New("budget: owner already holds an active reservation")

	// ErrUnknownScope reports a path with no configured scope on it.
	ErrUnknownScope = errors.New("budget: unknown scope")

	// ErrUnknownReservation reports an identifier the ledger never
	// issued.
	ErrUnknownReservation = errors.New("budget: unknown reservation")

	// ErrScopeExists rejects opening a scope at an occupied path.
	ErrScopeExists = errors.New("budget: scope already exists")

	// ErrScopeInUse rejects closing a scope subtree that still has
	// active reservations, queued waiters, or parked escalations, and
	// settling a reservation that still funds an open scope.
	ErrScopeInUse = errors.New("budget: scope in use")

	// ErrUnknownEscalation reports an escalation identifier that is
	// not parked (never existed, already resolved, or timed out).
	ErrUnknownEscalation = errors.New("budget: unknown escalation")
)
