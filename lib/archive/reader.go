// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/secret"
)

// ReaderOptions configure a Reader.
type ReaderOptions struct {
	// Keys opens sealed segments. Borrowed, not closed.
	Keys *KeySet

	// Identity is the age private key for exported segments.
	// Borrowed, not closed.
	Identity *secret.Buffer
}

// Reader loads segment files back into events and verifies archived
// chain spans.
type Reader struct {
	keys     *KeySet
	identity *secret.Buffer
}

// NewReader returns a Reader. Both options may be nil when only
// unprotected segments will be read.
func NewReader(options ReaderOptions) *Reader {
	return &Reader{keys: options.Keys, identity: options.Identity}
}

// ReadSegment loads one segment file. The header is cross-checked
// against the decoded events (bounds, count, contiguity); chain
// hashes are the business of Verify.
func (r *Reader) ReadSegment(path string) ([]audit.Event, SegmentInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, SegmentInfo{}, fmt.Errorf("archive: reading segment: %w", err)
	}
	events, info, err := r.decodeSegment(data)
	if err != nil {
		return nil, SegmentInfo{}, fmt.Errorf("archive: segment %s: %w", filepath.Base(path), err)
	}
	info.Path = path
	return events, info, nil
}

// decodeSegment parses, decrypts, and decompresses a full segment
// image.
func (r *Reader) decodeSegment(data []byte) ([]audit.Event, SegmentInfo, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return nil, SegmentInfo{}, err
	}
	payload := data[headerSize:]

	switch h.encryption {
	case EncryptionNone:
	case EncryptionAEAD:
		if r.keys == nil {
			return nil, SegmentInfo{}, errors.New("segment is sealed and no archive key is configured")
		}
		payload, err = r.keys.open(payload, data[:headerSize], h.first)
		if err != nil {
			return nil, SegmentInfo{}, err
		}
	case EncryptionAge:
		if r.identity == nil {
			return nil, SegmentInfo{}, errors.New("segment is an age export and no identity is configured")
		}
		payload, err = decryptAge(payload, r.identity)
		if err != nil {
			return nil, SegmentInfo{}, err
		}
	}

	body, err := decompressBody(payload, h.compression, int(h.bodyLength))
	if err != nil {
		return nil, SegmentInfo{}, err
	}
	events, err := decodeEvents(body)
	if err != nil {
		return nil, SegmentInfo{}, err
	}

	if err := checkSequential(events); err != nil {
		return nil, SegmentInfo{}, err
	}
	if uint64(len(events)) != h.count {
		return nil, SegmentInfo{}, fmt.Errorf("header says %d events, body holds %d", h.count, len(events))
	}
	if events[0].Sequence != h.first || events[len(events)-1].Sequence != h.last {
		return nil, SegmentInfo{}, fmt.Errorf("header covers [%d, %d], body covers [%d, %d]",
			h.first, h.last, events[0].Sequence, events[len(events)-1].Sequence)
	}

	info := SegmentInfo{
		FirstSequence: h.first,
		LastSequence:  h.last,
		Count:         len(events),
		Compression:   h.compression,
		Encryption:    h.encryption,
		Size:          int64(len(data)),
	}
	return events, info, nil
}

// Scan reads the header of every segment file in dir and returns
// their descriptions ordered by first sequence. Files without the
// .seg suffix are ignored.
func Scan(dir string) ([]SegmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: scanning: %w", err)
	}

	var infos []SegmentInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".seg") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		h, size, err := readHeader(path)
		if err != nil {
			return nil, fmt.Errorf("archive: segment %s: %w", entry.Name(), err)
		}
		infos = append(infos, SegmentInfo{
			Path:          path,
			FirstSequence: h.first,
			LastSequence:  h.last,
			Count:         int(h.count),
			Compression:   h.compression,
			Encryption:    h.encryption,
			Size:          size,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].FirstSequence < infos[j].FirstSequence
	})
	return infos, nil
}

// readHeader reads just the fixed header and the file size.
func readHeader(path string) (header, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return header{}, 0, err
	}
	defer file.Close()

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(file, buf); err != nil {
		return header{}, 0, fmt.Errorf("reading header: %w", err)
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return header{}, 0, err
	}
	stat, err := file.Stat()
	if err != nil {
		return header{}, 0, err
	}
	return h, stat.Size(), nil
}

// Verify reads the given segment files in order and recomputes the
// chain across them: every event hash must recompute, every back-link
// must match, and sequences must run contiguously from one segment
// into the next. The first event anchors the pass: at sequence 1 its
// back-link must be the zero genesis hash, otherwise its stored
// back-link is adopted unchecked.
func (r *Reader) Verify(paths []string) (audit.VerifyResult, error) {
	var (
		prevHash audit.Hash
		nextSeq  uint64
		checked  uint64
	)

	for _, path := range paths {
		events, _, err := r.ReadSegment(path)
		if err != nil {
			return audit.VerifyResult{}, err
		}
		for _, event := range events {
			if checked == 0 {
				nextSeq = event.Sequence
				if event.Sequence != 1 {
					prevHash = event.PrevHash
				}
			}
			if event.Sequence != nextSeq {
				return verifyFail(event.Sequence, fmt.Sprintf("sequence gap: want %d, found %d", nextSeq, event.Sequence))
			}
			if event.PrevHash != prevHash {
				return verifyFail(event.Sequence, "previous-hash link broken")
			}
			if _, valid := audit.Recompute(event); !valid {
				return verifyFail(event.Sequence, "event hash does not recompute")
			}
			prevHash = event.Hash
			nextSeq++
			checked++
		}
	}
	return audit.VerifyResult{OK: true, Checked: checked}, nil
}

// VerifyDir verifies every segment in dir in sequence order.
func (r *Reader) VerifyDir(dir string) (audit.VerifyResult, error) {
	infos, err := Scan(dir)
	if err != nil {
		return audit.VerifyResult{}, err
	}
	paths := make([]string, len(infos))
	for i, info := range infos {
		paths[i] = info.Path
	}
	return r.Verify(paths)
}

// verifyFail mirrors the audit log's verification failure shape.
func verifyFail(sequence uint64, reason string) (audit.VerifyResult, error) {
	result := audit.VerifyResult{OK: false, BadSequence: sequence, Reason: reason}
	return result, fmt.Errorf("archive: event %d: %s: %w", sequence, reason, audit.ErrChainIntegrityViolation)
}
