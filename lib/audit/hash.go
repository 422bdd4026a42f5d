// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/steward/lib/codec"
)

// Hash is a 32-byte BLAKE3 digest linking the audit chain. The zero
// value is the genesis PrevHash.
type Hash [32]byte

// chainDomainKey separates chain hashing from every other BLAKE3 use.
// Fixed constant: changing it invalidates every existing chain. ASCII
// so the key is readable in hex dumps, zero-padded to the 32 bytes
// keyed mode requires.
var chainDomainKey = [32]byte{
	's', 't', 'e', 'w', 'a', 'r', 'd', '.', 'a', 'u', 'd', 'i', 't', '.',
	'c', 'h', 'a', 'i', 'n',
}

// IsZero reports whether h is all zeroes.
func (h Hash) IsZero() bool { return h == Hash{} }

// String returns the 64-character hex form.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// MarshalText implements encoding.TextMarshaler. The zero hash
// marshals too; it is the genesis PrevHash, not an absent value.
func (h Hash) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(out, h[:])
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(data []byte) error {
	parsed, err := ParseHash(string(data))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses the 64-character hex form.
func ParseHash(s string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("audit: parsing hash: %w", err)
	}
	if len(decoded) != len(h) {
		return h, fmt.Errorf("audit: hash is %d bytes, want %d", len(decoded), len(h))
	}
	copy(h[:], decoded)
	return h, nil
}

// chainBody is the hashed projection of an event: every field except
// the hash itself, with the timestamp as UnixNano so the encoding
// carries no location or formatting variance.
type chainBody struct {
	Sequence      uint64            `cbor:"sequence"`
	TimestampNano int64             `cbor:"timestamp_ns"`
	Actor         string            `cbor:"actor"`
	Action        string            `cbor:"action"`
	Resource      string            `cbor:"resource"`
	Outcome       string            `cbor:"outcome"`
	Metadata      map[string]string `cbor:"metadata,omitempty"`
	PrevHash      []byte            `cbor:"prev_hash"`
}

// ComputeHash returns the chain hash for the event: the keyed BLAKE3
// digest of its deterministic CBOR body. The event's own Hash field
// does not participate.
func ComputeHash(event Event) Hash {
	body := chainBody{
		Sequence:      event.Sequence,
		TimestampNano: event.Timestamp.UnixNano(),
		Actor:         event.Actor,
		Action:        string(event.Action),
		Resource:      event.Resource,
		Outcome:       string(event.Outcome),
		Metadata:      event.Metadata,
		PrevHash:      event.PrevHash[:],
	}
	encoded, err := codec.Marshal(body)
	if err != nil {
		// chainBody contains only scalar fields and a string map;
		// deterministic CBOR cannot fail on it.
		panic("audit: encoding chain body: " + err.Error())
	}

	hasher, err := blake3.NewKeyed(chainDomainKey[:])
	if err != nil {
		panic("audit: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(encoded)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// Recompute verifies a single event in isolation: its stored Hash
// must equal the hash computed from its other fields.
func Recompute(event Event) (Hash, bool) {
	computed := ComputeHash(event)
	return computed, computed == event.Hash
}
