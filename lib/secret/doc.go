// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for key material such
// as the audit archive key.
//
// [Buffer] allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped. Because the memory lives
// outside the Go heap, the garbage collector cannot copy or relocate
// it, guaranteeing the material does not persist after release.
//
// Constructors:
//
//   - [New] -- allocates a zero-filled buffer of a given size
//   - [NewFromBytes] -- copies into protected memory, zeros the source
//   - [ReadFromPath] -- reads a key file, or stdin when the path is "-"
//
// Access via [Buffer.Bytes], a slice into the mmap region; do not hold
// it beyond the buffer's lifetime. After Close, access panics. Close is
// idempotent. [Zero] wipes ordinary heap slices that briefly held
// sensitive bytes on their way into or out of a Buffer.
//
// Depends on golang.org/x/sys/unix. Imported by lib/archive for the
// at-rest segment key.
package secret
