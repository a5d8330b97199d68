package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	env := &Envelope{
		Tag:     TagJSON,
		Kind:    KindRequest,
		ID:      12345,
		Payload: []byte("hello world"),
	}

	var buf bytes.Buffer
	if err := Write(&buf, env); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(env.Payload) {
		t.Fatalf("frame length: got %d, want %d", buf.Len(), HeaderSize+len(env.Payload))
	}

	dec := NewDecoder(0)
	dec.Feed(buf.Bytes())
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	if got.Tag != env.Tag {
		t.Errorf("Tag mismatch: got %v, want %v", got.Tag, env.Tag)
	}
	if got.Kind != env.Kind {
		t.Errorf("Kind mismatch: got %v, want %v", got.Kind, env.Kind)
	}
	if got.ID != env.ID {
		t.Errorf("ID mismatch: got %d, want %d", got.ID, env.ID)
	}
	if !bytes.Equal(got.Payload, env.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", got.Payload, env.Payload)
	}
	if dec.Buffered() != 0 {
		t.Errorf("expected empty buffer, %d bytes left", dec.Buffered())
	}
}

func TestDecodeKnownRequestFrame(t *testing.T) {
	frame := []byte{
		0x01, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x2A,
		0x00, 0x00, 0x00, 0x03,
		'a', 'b', 'c',
	}

	dec := NewDecoder(0)
	dec.Feed(frame)
	env, err := dec.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if env.Tag != TagPolyglot || env.Kind != KindRequest || env.ID != 42 || string(env.Payload) != "abc" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	dec := NewDecoder(0)
	dec.Feed([]byte{0xFF})

	env, err := dec.Next()
	if env != nil {
		t.Fatalf("expected no envelope, got %+v", env)
	}
	var unknown *UnknownProtocolError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownProtocolError, got %v", err)
	}
	if unknown.Tag != 0xFF {
		t.Errorf("Tag: got 0x%02x, want 0xff", unknown.Tag)
	}
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("UnknownProtocolError should match ErrProtocol")
	}

	// Terminal: a valid frame afterwards does not resynchronize the decoder.
	valid, _ := Encode(&Envelope{Tag: TagJSON, Kind: KindRequest, ID: 1})
	dec.Feed(valid)
	if _, err := dec.Next(); !errors.As(err, &unknown) {
		t.Fatalf("expected sticky UnknownProtocolError, got %v", err)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	dec := NewDecoder(0)
	dec.Feed([]byte{byte(TagJSON), 0x7F})

	_, err := dec.Next()
	var unknown *UnknownKindError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownKindError, got %v", err)
	}
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("UnknownKindError should match ErrProtocol")
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	frame, err := Encode(&Envelope{Tag: TagPolyglot, Kind: KindResponse, ID: 7, Payload: make([]byte, 64)})
	if err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(32)
	// Header only: the limit is enforced before any payload arrives.
	dec.Feed(frame[:HeaderSize])
	_, err = dec.Next()
	var tooLarge *FrameTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected FrameTooLargeError, got %v", err)
	}
	if tooLarge.Length != 64 || tooLarge.Max != 32 {
		t.Errorf("unexpected limits: %+v", tooLarge)
	}
}

func TestDecodePartialReads(t *testing.T) {
	first, _ := Encode(&Envelope{Tag: TagPolyglot, Kind: KindResponse, ID: 1, Payload: []byte("first")})
	second, _ := Encode(&Envelope{Tag: TagJSON, Kind: KindOneway, ID: 2, Payload: []byte("second")})
	stream := append(first, second...)

	// Feed one byte at a time
	dec := NewDecoder(0)
	var got []*Envelope
	for _, b := range stream {
		dec.Feed([]byte{b})
		for {
			env, err := dec.Next()
			if errors.Is(err, ErrNeedMoreData) {
				break
			}
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			got = append(got, env)
		}
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(got))
	}
	if got[0].ID != 1 || string(got[0].Payload) != "first" {
		t.Errorf("first envelope mismatch: %+v", got[0])
	}
	if got[1].ID != 2 || got[1].Kind != KindOneway || string(got[1].Payload) != "second" {
		t.Errorf("second envelope mismatch: %+v", got[1])
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, &Envelope{Tag: TagJSON, Kind: KindHeartbeat, ID: 9}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	r := NewReader(&buf, 0)
	env, err := r.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if env.Kind != KindHeartbeat {
		t.Errorf("Kind mismatch: got %v, want %v", env.Kind, KindHeartbeat)
	}
	if len(env.Payload) != 0 {
		t.Errorf("Expected empty payload, got length %d", len(env.Payload))
	}

	if _, err := r.ReadEnvelope(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReaderTruncatedFrame(t *testing.T) {
	frame, _ := Encode(&Envelope{Tag: TagJSON, Kind: KindRequest, ID: 3, Payload: []byte("truncated")})

	r := NewReader(bytes.NewReader(frame[:len(frame)-2]), 0)
	if _, err := r.ReadEnvelope(); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecodeLargePayload(t *testing.T) {
	// 1MB payload
	large := make([]byte, 1024*1024)
	for i := range large {
		large[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	if err := Write(&buf, &Envelope{Tag: TagPolyglot, Kind: KindRequest, ID: 999, Payload: large}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	env, err := NewReader(&buf, 0).ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if !bytes.Equal(env.Payload, large) {
		t.Errorf("large payload mismatch")
	}
}

func TestEncodeRejectsUnknownTag(t *testing.T) {
	_, err := Encode(&Envelope{Tag: Tag(0x42), Kind: KindRequest})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}
