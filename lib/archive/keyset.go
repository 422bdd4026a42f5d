// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/steward/lib/secret"
)

// KeySize is the archive key length in bytes, for both the master key
// and derived per-segment keys.
const KeySize = 32

// sealedBodyVersion is the version byte prepended to sealed segment
// bodies. Authenticated as part of the AAD, so altering it fails
// decryption.
const sealedBodyVersion byte = 0x01

// sealedBodyOverhead is the fixed byte overhead of a sealed body:
// version, XChaCha20-Poly1305 nonce, Poly1305 tag.
const sealedBodyOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// hkdfInfoSegment is the HKDF info prefix for per-segment subkeys.
// Format constant: changing it orphans every sealed segment.
var hkdfInfoSegment = []byte("steward.archive.segment.v1")

// KeySet holds the archive master key in guarded memory and derives
// per-segment encryption keys. Derivation is fresh on every call;
// HKDF-SHA256 costs about a microsecond against the file I/O around
// it.
type KeySet struct {
	master *secret.Buffer
}

// NewKeySet wraps a 32-byte master key. The buffer is owned by the
// KeySet from here on and is released by Close.
func NewKeySet(master *secret.Buffer) (*KeySet, error) {
	if master.Len() != KeySize {
		return nil, fmt.Errorf("archive: master key must be %d bytes, got %d", KeySize, master.Len())
	}
	return &KeySet{master: master}, nil
}

// LoadKeySet reads a hex-encoded 32-byte key from path ("-" for
// stdin) and moves it into guarded memory.
func LoadKeySet(path string) (*KeySet, error) {
	text, err := secret.ReadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("archive: reading key file: %w", err)
	}
	defer text.Close()

	raw := make([]byte, hex.DecodedLen(text.Len()))
	if _, err := hex.Decode(raw, text.Bytes()); err != nil {
		secret.Zero(raw)
		return nil, fmt.Errorf("archive: key file %s is not hex: %w", path, err)
	}
	if len(raw) != KeySize {
		secret.Zero(raw)
		return nil, fmt.Errorf("archive: key file %s decodes to %d bytes, want %d", path, len(raw), KeySize)
	}
	master, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("archive: protecting key: %w", err)
	}
	return NewKeySet(master)
}

// Close zeroes and releases the master key. Idempotent.
func (k *KeySet) Close() error {
	return k.master.Close()
}

// segmentKey derives the subkey for the segment starting at first.
// The caller must close the returned buffer.
func (k *KeySet) segmentKey(first uint64) (*secret.Buffer, error) {
	info := make([]byte, len(hkdfInfoSegment)+8)
	copy(info, hkdfInfoSegment)
	binary.BigEndian.PutUint64(info[len(hkdfInfoSegment):], first)

	reader := hkdf.New(sha256.New, k.master.Bytes(), nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("deriving segment key: %w", err)
	}
	// NewFromBytes copies into guarded memory and zeroes derived.
	return secret.NewFromBytes(derived)
}

// seal encrypts a compressed segment body:
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
//
// The version byte and the encoded segment header are the AAD, so the
// ciphertext is bound to its own header fields.
func (k *KeySet) seal(body, headerBytes []byte, first uint64) ([]byte, error) {
	key, err := k.segmentKey(first)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, sealedBodyOverhead+len(body))
	out[0] = sealedBodyVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], body, buildAAD(sealedBodyVersion, headerBytes)), nil
}

// open reverses seal. Fails if the blob is truncated, the version is
// unknown, the key is wrong, or either blob or header was altered.
func (k *KeySet) open(blob, headerBytes []byte, first uint64) ([]byte, error) {
	if len(blob) < sealedBodyOverhead {
		return nil, fmt.Errorf("sealed body is %d bytes, minimum is %d", len(blob), sealedBodyOverhead)
	}
	if blob[0] != sealedBodyVersion {
		return nil, fmt.Errorf("sealed body version %d is not supported", blob[0])
	}

	key, err := k.segmentKey(first)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]
	body, err := aead.Open(nil, nonce, ciphertext, buildAAD(blob[0], headerBytes))
	if err != nil {
		return nil, fmt.Errorf("opening sealed body (wrong key or tampered file): %w", err)
	}
	return body, nil
}

// buildAAD is the additional authenticated data for sealed bodies:
// the format version followed by the encoded header.
func buildAAD(version byte, headerBytes []byte) []byte {
	aad := make([]byte, 1+len(headerBytes))
	aad[0] = version
	copy(aad[1:], headerBytes)
	return aad
}
