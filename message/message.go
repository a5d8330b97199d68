// Package message defines the call payload exchanged between client and server.
//
// RPCMessage is what travels inside an envelope's payload. It gets serialized by
// the codec named by the envelope tag; its own Payload field carries the
// call arguments (request) or reply (response), serialized by the same codec.
package message

import (
	"errors"

	"github.com/loopholelabs/polyglot/v2"
)

var (
	DecodeErr = errors.New("unable to decode rpc message")
)

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args, Error is empty.
//   - On response: Payload contains the serialized reply, Error is non-empty if the call failed.
type RPCMessage struct {
	ServiceMethod string // Format: "ServiceName.MethodName", e.g., "Arith.Add"
	Error         string // Non-empty if the server-side handler returned an error
	Payload       []byte // Serialized args (request) or reply (response)
}

// Encode writes the message in polyglot form.
func (m *RPCMessage) Encode(buf *polyglot.Buffer) {
	polyglot.Encoder(buf).String(m.ServiceMethod).String(m.Error).Bytes(m.Payload)
}

// Decode reads a message written by Encode.
func (m *RPCMessage) Decode(buf []byte) error {
	d := polyglot.Decoder(buf)
	var err error
	m.ServiceMethod, err = d.String()
	if err != nil {
		return errors.Join(DecodeErr, err)
	}
	m.Error, err = d.String()
	if err != nil {
		return errors.Join(DecodeErr, err)
	}
	m.Payload, err = d.Bytes(nil)
	if err != nil {
		return errors.Join(DecodeErr, err)
	}
	return nil
}
