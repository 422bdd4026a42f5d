// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Steward is the operator CLI for the steward service. It talks CBOR
// over the service's Unix socket: submitting and inspecting tasks,
// reading and reloading the budget ledger, resolving reference tokens,
// and tailing, verifying, and exporting the audit chain. Subcommands:
// submit, status, list, cancel, budget, resolve, audit, ping, version.
package main
