package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
)

// ErrNullValue is returned when JSON null is decoded into a value that
// cannot be nil.
var ErrNullValue = errors.New("null for a non-nullable value")

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
//
// Decoding is strict: unknown fields, trailing values and a top-level null
// for a target that cannot hold nil are rejected.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, encodeErr("json", err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	// encoding/json leaves the target unchanged on null
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) && !nullable(v) {
		return decodeErr("json", fmt.Errorf("%w: %T", ErrNullValue, v))
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return decodeErr("json", err)
	}
	// A second value (or any non-space garbage) after the first is an error
	if _, err := dec.Token(); err != io.EOF {
		return decodeErr("json", ErrTrailingData)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

// nullable reports whether v points at something that can hold nil.
func nullable(v any) bool {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return false
	}
	switch rv.Elem().Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Map, reflect.Interface:
		return true
	}
	return false
}
