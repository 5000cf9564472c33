// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Payloads are map[string]any. Without this, nested maps in
		// an any-typed value decode as map[any]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Duplicate keys would make two encodings decode to the same
		// message, breaking byte-for-byte round trips.
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
		MaxNestedLevels: 64,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a single CBOR data item into v. Trailing bytes
// after the item are an error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an encoded CBOR item whose decoding is deferred.
type RawMessage = cbor.RawMessage

// UnmarshalTypeError reports a CBOR item whose type does not fit the
// Go destination (a text priority, an array where a map belongs).
type UnmarshalTypeError = cbor.UnmarshalTypeError

// Diagnose renders data in CBOR diagnostic notation for logs and
// the CLI's --raw output.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
