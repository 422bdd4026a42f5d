// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "errors"

var (
	// ErrTimeout marks a collaborator call that ran out of time.
	// Transient: the machine retries with backoff before aborting.
	ErrTimeout = errors.New("lifecycle: timeout")

	// ErrDependencyUnavailable marks a collaborator whose backing
	// service is down. Transient, like ErrTimeout.
	ErrDependencyUnavailable = errors.New("lifecycle: dependency unavailable")

	// ErrValidationFailed rejects malformed requests, unknown states,
	// and review findings outside their closed sets. Permanent.
	ErrValidationFailed = errors.New("lifecycle: validation failed")

	// ErrUnknownTask reports a task identifier the store has never
	// seen.
	ErrUnknownTask = errors.New("lifecycle: unknown task")

	// ErrConcurrentModification reports a compare-and-set task write
	// that lost to a concurrent writer. Transient: the machine reloads
	// and retries a bounded number of times.
	ErrConcurrentModification = errors.New("lifecycle: concurrent modification")
)

// IsTransient reports whether err is worth retrying: timeouts,
// unavailable dependencies, and lost compare-and-set races. Everything
// else is permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrDependencyUnavailable) ||
		errors.Is(err, ErrConcurrentModification)
}
