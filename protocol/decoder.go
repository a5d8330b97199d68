package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// Decoder reassembles envelopes from bytes as the transport delivers them.
// It keeps whatever has been fed but not yet consumed, so decoding resumes
// across partial reads. A protocol error is sticky: once returned, every
// later call to Next returns it again.
type Decoder struct {
	max uint32
	buf []byte
	err error
}

// NewDecoder returns a Decoder that rejects payloads larger than maxPayload.
// Zero selects DefaultMaxPayload.
func NewDecoder(maxPayload uint32) *Decoder {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{max: maxPayload}
}

// Feed appends bytes received from the transport.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil {
		return
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held that do not yet form an envelope.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete envelope, ErrNeedMoreData if the buffered
// bytes are not enough yet, or a protocol error.
//
// The tag is validated as soon as the first byte is present, and the kind as
// soon as the second is, so an incompatible peer is rejected without waiting
// for a full header.
func (d *Decoder) Next() (*Envelope, error) {
	if d.err != nil {
		return nil, d.err
	}

	if len(d.buf) >= 1 && !Tag(d.buf[0]).Known() {
		return nil, d.fail(&UnknownProtocolError{Tag: d.buf[0]})
	}
	if len(d.buf) >= 2 && !Kind(d.buf[1]).Valid() {
		return nil, d.fail(&UnknownKindError{Kind: d.buf[1]})
	}
	if len(d.buf) < HeaderSize {
		return nil, ErrNeedMoreData
	}

	length := binary.BigEndian.Uint32(d.buf[10:14])
	if length > d.max {
		return nil, d.fail(&FrameTooLargeError{Length: uint64(length), Max: uint64(d.max)})
	}
	total := HeaderSize + int(length)
	if len(d.buf) < total {
		return nil, ErrNeedMoreData
	}

	env := &Envelope{
		Tag:     Tag(d.buf[0]),
		Kind:    Kind(d.buf[1]),
		ID:      binary.BigEndian.Uint64(d.buf[2:10]),
		Payload: make([]byte, length),
	}
	copy(env.Payload, d.buf[HeaderSize:total])

	// Shift the remainder to the front so the buffer does not grow without bound.
	n := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:n]
	return env, nil
}

func (d *Decoder) fail(err error) error {
	d.err = err
	d.buf = nil
	return err
}

// Reader drives a Decoder from a blocking io.Reader.
// There must be exactly one Reader per connection: the byte stream can only
// be split into frames by a single sequential consumer.
type Reader struct {
	r   io.Reader
	dec *Decoder
	buf []byte
	err error
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader, maxPayload uint32) *Reader {
	return &Reader{
		r:   r,
		dec: NewDecoder(maxPayload),
		buf: make([]byte, 32*1024),
	}
}

// ReadEnvelope blocks until a full envelope is available.
// Envelopes already buffered are returned before a read error is reported;
// an EOF in the middle of an envelope becomes io.ErrUnexpectedEOF.
func (r *Reader) ReadEnvelope() (*Envelope, error) {
	for {
		env, err := r.dec.Next()
		if !errors.Is(err, ErrNeedMoreData) {
			return env, err
		}
		if r.err != nil {
			if r.err == io.EOF && r.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, r.err
		}
		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.dec.Feed(r.buf[:n])
		}
		r.err = err
	}
}
