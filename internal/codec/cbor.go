// Package codec is Harbor's binary encoding for data at rest. It wraps
// CBOR in core deterministic mode, so identical values always encode to
// identical bytes, and decodes untyped maps as map[string]any so that
// anything read back can be handed straight to encoding/json.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// FromJSON transcodes a JSON document to CBOR.
func FromJSON(doc []byte) ([]byte, error) {
	if len(doc) == 0 {
		return Marshal(nil)
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("transcode json: %w", err)
	}
	return Marshal(v)
}

// ToJSON transcodes a CBOR document back to JSON.
func ToJSON(data []byte) (json.RawMessage, error) {
	var v any
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("transcode cbor: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transcode cbor: %w", err)
	}
	return out, nil
}
