// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/secret"
)

// Export writes a segment encrypted to one or more age recipients
// (age1... public keys). The output is a regular segment image, a
// header followed by the age ciphertext of the compressed body;
// ReadSegment opens it given the matching identity. Recipients share
// only their public keys with the service, so exported audit spans
// are readable by the operator alone.
func Export(w io.Writer, events []audit.Event, recipients []string, compression Compression) (SegmentInfo, error) {
	if len(recipients) == 0 {
		return SegmentInfo{}, errors.New("archive: at least one recipient is required")
	}
	parsed := make([]age.Recipient, 0, len(recipients))
	for _, key := range recipients {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return SegmentInfo{}, fmt.Errorf("archive: parsing recipient %q: %w", key, err)
		}
		parsed = append(parsed, recipient)
	}

	if err := checkSequential(events); err != nil {
		return SegmentInfo{}, fmt.Errorf("archive: %w", err)
	}
	body, err := encodeEvents(events)
	if err != nil {
		return SegmentInfo{}, fmt.Errorf("archive: %w", err)
	}

	h := header{
		compression: compression,
		encryption:  EncryptionAge,
		first:       events[0].Sequence,
		last:        events[len(events)-1].Sequence,
		count:       uint64(len(events)),
		bodyLength:  uint64(len(body)),
	}
	payload, err := compressBody(body, h.compression)
	if err != nil {
		if !errors.Is(err, errIncompressible) {
			return SegmentInfo{}, fmt.Errorf("archive: %w", err)
		}
		h.compression = CompressionNone
		payload = body
	}

	var ciphertext bytes.Buffer
	encryptor, err := age.Encrypt(&ciphertext, parsed...)
	if err != nil {
		return SegmentInfo{}, fmt.Errorf("archive: creating age encryptor: %w", err)
	}
	if _, err := encryptor.Write(payload); err != nil {
		return SegmentInfo{}, fmt.Errorf("archive: encrypting export: %w", err)
	}
	if err := encryptor.Close(); err != nil {
		return SegmentInfo{}, fmt.Errorf("archive: finalizing export encryption: %w", err)
	}

	headerBytes := h.encode()
	if _, err := w.Write(headerBytes); err != nil {
		return SegmentInfo{}, fmt.Errorf("archive: writing export: %w", err)
	}
	if _, err := w.Write(ciphertext.Bytes()); err != nil {
		return SegmentInfo{}, fmt.Errorf("archive: writing export: %w", err)
	}

	return SegmentInfo{
		FirstSequence: h.first,
		LastSequence:  h.last,
		Count:         len(events),
		Compression:   h.compression,
		Encryption:    EncryptionAge,
		Size:          int64(len(headerBytes) + ciphertext.Len()),
	}, nil
}

// decryptAge opens an exported segment body with an age identity
// (AGE-SECRET-KEY-1... in guarded memory).
func decryptAge(ciphertext []byte, identity *secret.Buffer) ([]byte, error) {
	parsed, err := age.ParseX25519Identity(string(identity.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), parsed)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading age plaintext: %w", err)
	}
	return body, nil
}
