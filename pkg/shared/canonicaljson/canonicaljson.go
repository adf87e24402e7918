// Package canonicaljson produces a deterministic JSON encoding of arbitrary
// data by round-tripping it through encoding/json (which sorts map[string]
// any keys) and re-marshaling without whitespace. It backs both the §3
// idempotency key and the §4.3 checkpoint checksum, which both need "two
// serializations of the same data object yield byte-equal output".
package canonicaljson

import (
	"bytes"
	"encoding/json"
)

// Marshal returns the canonical JSON encoding of v: object keys sorted,
// no insignificant whitespace. v is first marshaled and unmarshaled into a
// generic interface{} so that struct field order and map iteration order
// cannot leak into the output.
func Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; trim it so output is
	// byte-for-byte stable regardless of caller.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MustMarshal is Marshal but panics on error; safe for values that are
// always JSON-marshalable (no channels, funcs, or cyclic structures).
func MustMarshal(v interface{}) []byte {
	out, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
