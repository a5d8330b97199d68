// Package protocol implements the binary envelope framing for mrpc.
//
// Every unit on the wire is an envelope: a fixed-size 14-byte header followed
// by a variable-length payload. The receiver reads the header first to learn
// the payload length, then waits for exactly that many bytes.
//
// Envelope format:
//
//	0    1    2                   10        14
//	┌────┬────┬───────────────────┬─────────┬───────────────┐
//	│tag │kind│     requestId     │ length  │  payload ...  │
//	│ u8 │ u8 │    uint64 (BE)    │ u32 BE  │ length bytes  │
//	└────┴────┴───────────────────┴─────────┴───────────────┘
//
// The tag names the wire format (and therefore the payload codec) and is a
// closed set: a peer sending any other tag speaks an incompatible protocol and
// the connection must be closed, never resynchronized.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// HeaderSize is 1 (tag) + 1 (kind) + 8 (requestId) + 4 (payload length).
const HeaderSize = 14

// DefaultMaxPayload bounds the payload a Decoder will wait for.
const DefaultMaxPayload uint32 = 16 << 20

// Tag identifies the wire format and its version.
type Tag byte

const (
	TagPolyglot Tag = 0x01 // polyglot binary payloads, version 1
	TagJSON     Tag = 0x02 // JSON payloads, version 1
)

// Known reports whether t belongs to the closed tag set.
func (t Tag) Known() bool {
	return t == TagPolyglot || t == TagJSON
}

func (t Tag) String() string {
	switch t {
	case TagPolyglot:
		return "polyglot"
	case TagJSON:
		return "json"
	}
	return fmt.Sprintf("tag(0x%02x)", byte(t))
}

// Kind distinguishes requests, responses, one-way calls and liveness probes.
type Kind byte

const (
	KindRequest      Kind = 0 // Client → Server call expecting a response
	KindResponse     Kind = 1 // Server → Client, same requestId as the request
	KindOneway       Kind = 2 // Client → Server call, no response
	KindHeartbeat    Kind = 3 // Idle probe, either direction (no payload)
	KindHeartbeatAck Kind = 4 // Answer to a probe, echoes its requestId
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k <= KindHeartbeatAck
}

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindOneway:
		return "oneway"
	case KindHeartbeat:
		return "heartbeat"
	case KindHeartbeatAck:
		return "heartbeat-ack"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Envelope is the framed unit exchanged over a connection.
type Envelope struct {
	Tag     Tag
	Kind    Kind
	ID      uint64 // Correlates a response with its request on one connection
	Payload []byte
}

// Encode renders env as header + payload in a single buffer, so that one
// Write call puts the whole frame on the wire.
func Encode(env *Envelope) ([]byte, error) {
	if !env.Tag.Known() {
		return nil, &UnknownProtocolError{Tag: byte(env.Tag)}
	}
	if !env.Kind.Valid() {
		return nil, &UnknownKindError{Kind: byte(env.Kind)}
	}
	if uint64(len(env.Payload)) > math.MaxUint32 {
		return nil, &FrameTooLargeError{Length: uint64(len(env.Payload)), Max: math.MaxUint32}
	}

	buf := make([]byte, HeaderSize+len(env.Payload))
	buf[0] = byte(env.Tag)
	buf[1] = byte(env.Kind)
	binary.BigEndian.PutUint64(buf[2:10], env.ID)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(env.Payload)))
	copy(buf[HeaderSize:], env.Payload)
	return buf, nil
}

// Write encodes env and writes it to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Write(w io.Writer, env *Envelope) error {
	buf, err := Encode(env)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
