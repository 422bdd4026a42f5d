// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reference

import "errors"

var (
	// ErrInvalidToken is wrapped by every token parse failure.
	ErrInvalidToken = errors.New("reference: invalid token")

	// ErrUnknownNamespace reports a token whose namespace has no
	// registered resolver.
	ErrUnknownNamespace = errors.New("reference: unknown namespace")

	// ErrNotFound reports a well-formed token whose resolver has no
	// entry for it.
	ErrNotFound = errors.New("reference: not found")
)
