// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes with Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer widths, no indefinite-length
// items. Identical logical data always encodes to identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR and silently ignores unknown struct
// fields for forward compatibility with older spool files.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Event values are map[string]any. CBOR's default concrete
		// type for an any-typed map target is
		// map[interface{}]interface{}, which encoding/json cannot
		// marshal. Force string-keyed maps; Caravel never writes
		// non-string keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
