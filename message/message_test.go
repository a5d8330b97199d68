package message

import (
	"testing"

	"github.com/loopholelabs/polyglot/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestResponse(t *testing.T) {
	buf := polyglot.GetBuffer()
	t.Cleanup(func() {
		polyglot.PutBuffer(buf)
	})

	req := &RPCMessage{
		ServiceMethod: "ArithService.Add",
		Payload:       []byte(`{"a":1,"b":2}`),
	}
	req.Encode(buf)

	var decoded RPCMessage
	err := decoded.Decode(buf.Bytes())
	require.NoError(t, err)

	assert.Equal(t, req.ServiceMethod, decoded.ServiceMethod)
	assert.Equal(t, req.Error, decoded.Error)
	assert.Equal(t, req.Payload, decoded.Payload)
}

func TestDecodeTruncated(t *testing.T) {
	buf := polyglot.GetBuffer()
	t.Cleanup(func() {
		polyglot.PutBuffer(buf)
	})

	resp := &RPCMessage{
		ServiceMethod: "Arith.Add",
		Error:         "boom",
		Payload:       []byte("reply"),
	}
	resp.Encode(buf)

	var decoded RPCMessage
	err := decoded.Decode(buf.Bytes()[:buf.Len()-3])
	require.ErrorIs(t, err, DecodeErr)
}
