// Package codec provides the pluggable serializers that turn call arguments,
// replies and RPC messages into bytes and back.
//
// Each codec is bound to one protocol tag, so the tag in an envelope header
// tells the receiver which codec decodes the payload. The set is closed:
//   - Polyglot: compact binary, the default
//   - JSON:     human-readable, easy to debug from the command line
package codec

import (
	"fmt"

	"mrpc/protocol"
)

// CodecType is the protocol tag a codec is carried under.
type CodecType = protocol.Tag

const (
	CodecTypePolyglot = protocol.TagPolyglot
	CodecTypeJSON     = protocol.TagJSON
)

type Codec interface {
	// Encode fails with *SerializationError on unsupported, cyclic or
	// otherwise non-serializable input.
	Encode(v any) ([]byte, error)
	// Decode fails with *SerializationError on truncated, trailing or
	// type-mismatched input. It never coerces values or drops fields.
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for a protocol tag.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypePolyglot:
		return &PolyglotCodec{}, nil
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	}
	return nil, &protocol.UnknownProtocolError{Tag: byte(codecType)}
}

// ParseCodecType maps a configuration name to a codec type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "polyglot", "binary":
		return CodecTypePolyglot, nil
	case "json":
		return CodecTypeJSON, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}
