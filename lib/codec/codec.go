// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is steward's single CBOR configuration point. The
// encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest-width integers, no indefinite-length items. Equal
// logical values therefore encode to equal bytes, which the audit log
// depends on: chain hashes are computed over these encodings.
//
// Consumers import this package rather than fxamacker/cbor directly so
// the whole tree shares one encoding configuration.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	options := cbor.CoreDetEncOptions()
	// Types with unexported fields (scope.Path, audit.Hash) carry
	// their identity through MarshalText; without this they would
	// encode as empty maps.
	options.TextMarshaler = cbor.TextMarshalerTextString
	// RFC 3339 keeps nanosecond precision; the default integer epoch
	// truncates to seconds, which would corrupt stored timestamps on
	// a decode/re-encode cycle.
	options.Time = cbor.TimeRFC3339Nano

	var err error
	encMode, err = options.EncMode()
	if err != nil {
		panic("codec: encoder init: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Steward map keys are always strings. When decoding into an
		// any-typed target the decoder must pick a concrete map type;
		// the CBOR default map[any]any is unusable by encoding/json
		// and by most callers expecting map[string]any.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: decoder init: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage delays decoding or carries pre-encoded CBOR.
type RawMessage = cbor.RawMessage

// Encoder streams deterministic CBOR to a writer.
type Encoder = cbor.Encoder

// Decoder streams CBOR from a reader.
type Decoder = cbor.Decoder

// NewEncoder returns a stream encoder with the shared configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder with the shared configuration.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
