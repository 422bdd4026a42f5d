// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides steward's persistence backends: SQLite-backed
// stores over lib/sqlitepool, and in-memory equivalents with identical
// semantics for tests and the service's non-durable storage mode.
//
// One implementation exists per consumer interface:
//
//   - lifecycle.TaskStore: compare-and-set task records
//   - lifecycle.LearningStore: idempotent learning signals
//   - audit.Store: the append-only hash chain
//   - budget.StateStore: committed per-scope usage
//   - reference.CacheStore: resolved reference cache
//
// The SQLite backends store each record as its deterministic CBOR
// encoding (lib/codec) in a body column, alongside a few denormalized
// columns for filtering. The body is canonical: reads decode it and
// never reassemble records from columns. Schema history lives in this
// package and is applied through sqlitepool.Migrate when [Open] runs.
package store
