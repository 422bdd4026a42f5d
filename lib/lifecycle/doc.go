// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle drives a task from planned to governed.
//
// The Machine owns the sequencing: plan reserves budget through the
// ledger, execute delegates to an injected Executor, review findings
// are judged by weighted consensus, accepted work persists learning
// signals, and govern settles the reservation at actual cost. Every
// transition appends one audit event before the new state is stored,
// so the log never trails what callers can observe.
//
// The machine runs one task at a time per call; concurrency across
// tasks belongs to the orchestrator in lib/steward. Collaborators
// (Executor, Reviewer, stores) are constructor-injected interfaces so
// tests drive the machine with fakes and deterministic clocks.
package lifecycle
