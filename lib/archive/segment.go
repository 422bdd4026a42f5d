// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/steward/lib/audit"
)

// Compression identifies the body compression of a segment. Stored in
// segment headers as one byte; the values are format constants and
// must not be renumbered.
type Compression uint8

const (
	// CompressionNone stores the NDJSON body as-is. Also selected
	// automatically when the configured algorithm cannot shrink the
	// body.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression: lower ratio than zstd
	// but much cheaper to decode, for archives read frequently.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level. The usual choice
	// for audit NDJSON, whose repeated field names and hex hashes
	// compress well.
	CompressionZstd Compression = 2
)

// String returns the name used in configuration and display.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name as written in
// configuration.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("archive: unknown compression %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	if c > CompressionZstd {
		return nil, fmt.Errorf("archive: unknown compression tag %d", uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Compression) UnmarshalText(data []byte) error {
	parsed, err := ParseCompression(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Encryption identifies how a segment body is protected. Stored in
// segment headers as one byte; format constants.
type Encryption uint8

const (
	// EncryptionNone leaves the compressed body in the clear.
	EncryptionNone Encryption = 0

	// EncryptionAEAD seals the body with XChaCha20-Poly1305 under a
	// per-segment subkey of the archive master key.
	EncryptionAEAD Encryption = 1

	// EncryptionAge encrypts the body to age X25519 recipients.
	EncryptionAge Encryption = 2
)

// String returns the name used in display output.
func (e Encryption) String() string {
	switch e {
	case EncryptionNone:
		return "none"
	case EncryptionAEAD:
		return "aead"
	case EncryptionAge:
		return "age"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (e Encryption) MarshalText() ([]byte, error) {
	if e > EncryptionAge {
		return nil, fmt.Errorf("archive: unknown encryption tag %d", uint8(e))
	}
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Encryption) UnmarshalText(data []byte) error {
	switch string(data) {
	case "none":
		*e = EncryptionNone
	case "aead":
		*e = EncryptionAEAD
	case "age":
		*e = EncryptionAge
	default:
		return fmt.Errorf("archive: unknown encryption %q", data)
	}
	return nil
}

// segmentMagic opens every segment file.
var segmentMagic = [4]byte{'S', 'T', 'W', '1'}

// headerSize is the fixed segment header length: magic, compression
// tag, encryption tag, then first sequence, last sequence, event
// count, and uncompressed body length as big-endian uint64s.
const headerSize = 4 + 1 + 1 + 8 + 8 + 8 + 8

// maxBodyBytes caps the uncompressed body length a header may claim,
// bounding the allocation a corrupt file can cause.
const maxBodyBytes = 1 << 30

// header is the decoded fixed-size segment prefix. Its encoded form
// is authenticated as AAD for sealed segments and cross-checked
// against the decoded events for all segments.
type header struct {
	compression Compression
	encryption  Encryption
	first       uint64
	last        uint64
	count       uint64
	bodyLength  uint64
}

func (h header) encode() []byte {
	out := make([]byte, headerSize)
	copy(out[0:4], segmentMagic[:])
	out[4] = byte(h.compression)
	out[5] = byte(h.encryption)
	binary.BigEndian.PutUint64(out[6:14], h.first)
	binary.BigEndian.PutUint64(out[14:22], h.last)
	binary.BigEndian.PutUint64(out[22:30], h.count)
	binary.BigEndian.PutUint64(out[30:38], h.bodyLength)
	return out
}

func decodeHeader(data []byte) (header, error) {
	if len(data) < headerSize {
		return header{}, fmt.Errorf("file is %d bytes, the header alone is %d", len(data), headerSize)
	}
	if !bytes.Equal(data[0:4], segmentMagic[:]) {
		return header{}, fmt.Errorf("bad magic %q", data[0:4])
	}
	h := header{
		compression: Compression(data[4]),
		encryption:  Encryption(data[5]),
		first:       binary.BigEndian.Uint64(data[6:14]),
		last:        binary.BigEndian.Uint64(data[14:22]),
		count:       binary.BigEndian.Uint64(data[22:30]),
		bodyLength:  binary.BigEndian.Uint64(data[30:38]),
	}
	if h.compression > CompressionZstd {
		return header{}, fmt.Errorf("unknown compression tag %d", data[4])
	}
	if h.encryption > EncryptionAge {
		return header{}, fmt.Errorf("unknown encryption tag %d", data[5])
	}
	if h.bodyLength > maxBodyBytes {
		return header{}, fmt.Errorf("header claims a %d byte body, cap is %d", h.bodyLength, maxBodyBytes)
	}
	return h, nil
}

// SegmentInfo describes one written segment.
type SegmentInfo struct {
	// Path is the segment file location. Empty for exported
	// segments, whose destination the caller owns.
	Path string `json:"path,omitempty"`

	FirstSequence uint64      `json:"first_sequence"`
	LastSequence  uint64      `json:"last_sequence"`
	Count         int         `json:"count"`
	Compression   Compression `json:"compression"`
	Encryption    Encryption  `json:"encryption"`

	// Size is the full file length in bytes, header included.
	Size int64 `json:"size"`
}

// checkSequential rejects event slices that are empty or not strictly
// consecutive by sequence. Segments must cover a contiguous chain
// span or cross-segment verification is meaningless.
func checkSequential(events []audit.Event) error {
	if len(events) == 0 {
		return errors.New("segment needs at least one event")
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence != events[i-1].Sequence+1 {
			return fmt.Errorf("sequence %d follows %d, segments must be contiguous",
				events[i].Sequence, events[i-1].Sequence)
		}
	}
	return nil
}

// encodeEvents renders events as NDJSON, the same line format audit
// export produces.
func encodeEvents(events []audit.Event) ([]byte, error) {
	var buf bytes.Buffer
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("encoding event %d: %w", event.Sequence, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// decodeEvents parses an NDJSON body back into events.
func decodeEvents(body []byte) ([]audit.Event, error) {
	var events []audit.Event
	decoder := json.NewDecoder(bytes.NewReader(body))
	for {
		var event audit.Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return nil, fmt.Errorf("decoding body line %d: %w", len(events)+1, err)
		}
		events = append(events, event)
	}
}

// errIncompressible signals that compression produced no size win and
// the body should be stored under CompressionNone instead.
var errIncompressible = errors.New("body is incompressible")

// zstdEncoder and zstdDecoder are shared across segments; both are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodyBytes))
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// compressBody compresses an NDJSON body with the given algorithm.
// CompressionNone returns the body unchanged.
func compressBody(body []byte, tag Compression) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return body, nil

	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(body)))
		written, err := lz4.CompressBlock(body, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock reports incompressible input as zero bytes
		// written.
		if written == 0 || written >= len(body) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(body, nil)
		if len(compressed) >= len(body) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unknown compression tag %d", uint8(tag))
	}
}

// decompressBody reverses compressBody. The uncompressed length comes
// from the segment header and must match exactly.
func decompressBody(compressed []byte, tag Compression, uncompressed int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressed {
			return nil, fmt.Errorf("stored body is %d bytes, header says %d", len(compressed), uncompressed)
		}
		return compressed, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressed)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressed {
			return nil, fmt.Errorf("lz4 decompress produced %d bytes, header says %d", read, uncompressed)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressed))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressed {
			return nil, fmt.Errorf("zstd decompress produced %d bytes, header says %d", len(result), uncompressed)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unknown compression tag %d", uint8(tag))
	}
}
