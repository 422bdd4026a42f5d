// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the steward service configuration and the
// budget manifest.
//
// The two documents split along the operator/author line:
//
//   - The service configuration is YAML: socket path, data directory,
//     storage backend, worker pool sizing, retry policy, audit archive
//     settings, log level. Loaded once at startup from the file named
//     by the STEWARD_CONFIG environment variable (via [Load]) or a
//     --config flag (via [LoadFile]). There are no fallbacks, no
//     ~/.config discovery, and no automatic file search. This ensures
//     deterministic, auditable configuration with no hidden overrides.
//   - The budget manifest is JSONC (JSON with // comments and trailing
//     commas): the static scope tree with totals and policies, the
//     reference catalog, and review-consensus tuning. Loaded at startup
//     and again on demand ([LoadManifest], or [ParseManifest] for bytes
//     arriving over the socket).
//
// Environment variables never override configuration values. The one
// use the loader makes of the environment is ${VAR} and ${VAR:-default}
// expansion over the raw YAML document before parsing, so a single file
// can serve hosts whose paths differ by ${HOME} or similar. The
// manifest is authored content and gets no expansion at all.
//
// Durations in both documents are authored as strings in
// time.ParseDuration syntax ("30s", "15m"); currency is authored in
// decimal units ("2.50") and converted to micro-units by the loader.
//
// Key exports:
//
//   - [Config] -- service configuration with [Default] values
//   - [Load] and [LoadFile] -- the two service-config entry points
//   - [Manifest], [LoadManifest], [ParseManifest] -- the budget manifest
package config
