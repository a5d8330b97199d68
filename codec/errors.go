package codec

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedType = errors.New("unsupported type")
	ErrTrailingData    = errors.New("trailing data after value")
)

// SerializationError is returned by every codec for bad input or output shapes.
// It is local to one call: the connection stays usable.
type SerializationError struct {
	Codec string // "polyglot", "json"
	Op    string // "encode" or "decode"
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Codec, e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func encodeErr(codec string, err error) error {
	return &SerializationError{Codec: codec, Op: "encode", Err: err}
}

func decodeErr(codec string, err error) error {
	return &SerializationError{Codec: codec, Op: "decode", Err: err}
}
