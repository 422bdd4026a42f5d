// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the steward service: the long-running
// daemon that owns the budget ledger, the task orchestrator, the
// reference resolver, and the hash-chained audit log, and serves all
// of them over one Unix socket.
//
// The socket speaks the lib/service protocol: one self-delimiting
// CBOR request per connection, carrying an "action" field, answered
// by one CBOR response. There is no authentication on the socket;
// filesystem permissions on its path are the access control.
//
// Task work is delegated to an operator-configured executor command
// and reviewer command. Each invocation writes the JSON-encoded input
// to the subprocess's stdin and reads a JSON report from its stdout;
// the subprocess runs in its own process group and is SIGTERMed, then
// SIGKILLed after the configured grace period, when its deadline or
// the service's shutdown cancels it.
//
// Shutdown is staged. A SIGINT or SIGTERM stops socket intake and
// drains the orchestrator for up to the configured drain timeout,
// then cancels remaining workers; the audit writer stops last, so
// abort events from cancelled tasks still land in the chain.
package main
