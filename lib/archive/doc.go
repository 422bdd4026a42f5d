// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive stores closed spans of the audit chain as
// content-addressed segment files.
//
// A segment is a contiguous run of audit events rendered as NDJSON,
// compressed, optionally encrypted, and prefixed with a fixed binary
// header:
//
//	[magic "STW1"] [compression tag] [encryption tag]
//	[first sequence] [last sequence] [event count] [body length]
//
// integers big-endian. Compression is zstd, lz4, or none (none is
// also the automatic fallback when the body does not shrink).
// Encryption is either XChaCha20-Poly1305 under a per-segment HKDF
// subkey of the archive master key ([KeySet], at-rest sealing) or age
// recipient encryption ([Export], for hand-off to operators).
//
// [Writer.WriteSegment] archives a run of events and
// [Reader.ReadSegment] reverses it. [Reader.Verify] recomputes event
// hashes and back-links across segment boundaries, so a directory of
// segments is checkable without the primary store. [Archiver] sweeps
// the audit log on a period, archiving every full segment of events
// that has accumulated since the last sweep.
package archive
