// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package steward runs task lifecycles on a bounded worker pool.
//
// The Orchestrator sits between callers (the service layer, the CLI's
// demo mode) and the lifecycle machine: Submit admits a task through
// the machine's audited creation and parks it on a bounded queue,
// workers drive each task's phases strictly sequentially, and Cancel
// reaches queued tasks in place and running tasks through their run
// context. Tasks on different workers interleave freely; the budget
// ledger is the only shared ground between them.
package steward
