// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident mints the short prefixed identifiers used across
// steward: "tsk-4f21c09a11de", "rsv-88ac01be52f0", "exe-…". The hex
// tail is the truncated BLAKE3 keyed hash of the caller's parts, so
// identifiers are stable for stable inputs and collision-resistant
// for distinct ones.
package ident

import (
	"encoding/hex"
	"strconv"
	"sync/atomic"

	"github.com/zeebo/blake3"
)

// tailBytes is the digest prefix length kept in an identifier: 12 hex
// characters, 48 bits. Ample for the per-process populations here.
const tailBytes = 6

// identDomainKey separates identifier hashing from every other BLAKE3
// use in the tree. ASCII, zero-padded to the 32 bytes keyed mode
// requires.
var identDomainKey = [32]byte{
	's', 't', 'e', 'w', 'a', 'r', 'd', '.', 'i', 'd', 'e', 'n', 't',
}

var sequence atomic.Uint64

// New returns prefix + "-" + 12 hex characters hashed from parts.
// Identical parts produce identical identifiers; include a nonce (see
// Unique) when distinctness matters more than reproducibility.
func New(prefix string, parts ...string) string {
	hasher, err := blake3.NewKeyed(identDomainKey[:])
	if err != nil {
		// NewKeyed fails only on wrong key length, which the fixed
		// array rules out.
		panic("ident: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, part := range parts {
		hasher.Write([]byte(part))
		hasher.Write([]byte{'\n'})
	}
	digest := hasher.Sum(nil)
	return prefix + "-" + hex.EncodeToString(digest[:tailBytes])
}

// Unique is New with a process-wide counter mixed in, for identifiers
// that must differ even when every caller-supplied part repeats
// (retries of the same reservation, replayed submissions).
func Unique(prefix string, parts ...string) string {
	nonce := strconv.FormatUint(sequence.Add(1), 10)
	return New(prefix, append(parts, nonce)...)
}
