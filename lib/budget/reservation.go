// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/steward/lib/scope"
)

// Reservation is a provisional hold against every configured scope on
// its path. Created by Reserve or an approved Enforce, resolved by
// Commit (spend lands in used) or Release (capacity returns).
type Reservation struct {
	ID        string     `json:"id"`
	Owner     string     `json:"owner"`
	Path      scope.Path `json:"path"`
	Amount    Amount     `json:"amount"`
	CreatedAt time.Time  `json:"created_at"`
}

// reservationState is the ledger's record of a reservation: the
// public view plus the scopes the grant actually touched and how much
// of the hold currently backs dynamically opened scopes.
type reservationState struct {
	Reservation
	held      []scope.Path
	fundedOut Amount
	settled   bool
}

// ReserveRequest asks for a provisional hold. The same shape feeds
// Reserve (sentinel errors on rejection) and Enforce (policy-mediated
// Decision).
type ReserveRequest struct {
	Path   scope.Path `json:"path"`
	Owner  string     `json:"owner"`
	Amount Amount     `json:"amount"`
}

// Validate checks the request is well-formed.
func (r ReserveRequest) Validate() error {
	var errs []error
	if r.Path.IsZero() {
		errs = append(errs, errors.New("path is empty"))
	}
	if r.Owner == "" {
		errs = append(errs, errors.New("owner is empty"))
	}
	if err := r.Amount.Validate(); err != nil {
		errs = append(errs, err)
	} else if r.Amount.IsZero() {
		errs = append(errs, errors.New("amount is zero"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("budget: invalid reserve request: %w", err)
	}
	return nil
}
