// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reference resolves versioned reference tokens to URIs.
//
// A token names one entry of an external catalog in the canonical form
// @NAMESPACE:PROJECT:VERSION:ID (e.g. @RM:OSSA:0.1.8:E-018-STD). Tokens
// are validated value types; resolution maps a token to a Resolution
// carrying the URI and cacheability (pinned forever, or a TTL).
//
// Resolvers are pure: the same token against the same catalog yields
// the same URI, across calls and across process restarts. The Cache
// layer makes resolved entries durable through a pluggable store, and
// Service fans a token batch out concurrently with partial success;
// one bad token never fails its batch.
package reference
