// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/steward/lib/audit"
	"github.com/bureau-foundation/steward/lib/ident"
)

// WriterOptions configure a Writer.
type WriterOptions struct {
	// Compression selects the body compression. The zero value is
	// CompressionNone; the service configures zstd by default.
	// Whatever the setting, bodies the algorithm cannot shrink are
	// stored uncompressed.
	Compression Compression

	// Keys, when set, seals every segment body under a per-segment
	// subkey. The Writer borrows the KeySet; the caller closes it.
	Keys *KeySet
}

// Writer archives contiguous event runs as segment files in one
// directory. File names are content hashes, so rewriting a segment
// with identical bytes is a no-op.
type Writer struct {
	dir         string
	compression Compression
	keys        *KeySet
}

// NewWriter creates the archive directory if needed and returns a
// Writer into it.
func NewWriter(dir string, options WriterOptions) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("archive: directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating %s: %w", dir, err)
	}
	return &Writer{dir: dir, compression: options.Compression, keys: options.Keys}, nil
}

// Dir returns the archive directory.
func (w *Writer) Dir() string { return w.dir }

// WriteSegment archives one contiguous run of events as a single
// segment file and returns its description. Events must be in
// sequence order with no gaps.
func (w *Writer) WriteSegment(ctx context.Context, events []audit.Event) (SegmentInfo, error) {
	if err := ctx.Err(); err != nil {
		return SegmentInfo{}, err
	}
	if err := checkSequential(events); err != nil {
		return SegmentInfo{}, fmt.Errorf("archive: %w", err)
	}

	body, err := encodeEvents(events)
	if err != nil {
		return SegmentInfo{}, fmt.Errorf("archive: %w", err)
	}

	h := header{
		compression: w.compression,
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

	if w.keys != nil {
		h.encryption = EncryptionAEAD
	}
	headerBytes := h.encode()
	if w.keys != nil {
		payload, err = w.keys.seal(payload, headerBytes, h.first)
		if err != nil {
			return SegmentInfo{}, fmt.Errorf("archive: sealing segment: %w", err)
		}
	}

	data := make([]byte, 0, len(headerBytes)+len(payload))
	data = append(data, headerBytes...)
	data = append(data, payload...)

	path := filepath.Join(w.dir, ident.New("seg", string(data))+".seg")
	if err := writeFileAtomic(w.dir, path, data); err != nil {
		return SegmentInfo{}, fmt.Errorf("archive: %w", err)
	}

	return SegmentInfo{
		Path:          path,
		FirstSequence: h.first,
		LastSequence:  h.last,
		Count:         len(events),
		Compression:   h.compression,
		Encryption:    h.encryption,
		Size:          int64(len(data)),
	}, nil
}

// writeFileAtomic lands data at path via a temp file and rename. An
// already-present path is left alone: the name hashes the full file,
// so the existing file already holds these bytes.
func writeFileAtomic(dir, path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(dir, ".seg-*")
	if err != nil {
		return fmt.Errorf("creating temp segment: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing segment: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing segment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp segment: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming segment into place: %w", err)
	}
	success = true
	return nil
}
