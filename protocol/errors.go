package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol matches every connection-fatal framing error.
	ErrProtocol = errors.New("protocol error")

	// ErrNeedMoreData is returned by Decoder.Next until a full envelope is buffered.
	ErrNeedMoreData = errors.New("need more data")
)

// UnknownProtocolError reports a tag outside the known set.
type UnknownProtocolError struct {
	Tag byte
}

func (e *UnknownProtocolError) Error() string {
	return fmt.Sprintf("unknown protocol tag: 0x%02x", e.Tag)
}

func (e *UnknownProtocolError) Is(target error) bool { return target == ErrProtocol }

// UnknownKindError reports an envelope kind outside the known set.
type UnknownKindError struct {
	Kind byte
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown envelope kind: %d", e.Kind)
}

func (e *UnknownKindError) Is(target error) bool { return target == ErrProtocol }

// FrameTooLargeError reports a payload length above the configured maximum.
type FrameTooLargeError struct {
	Length uint64
	Max    uint64
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame too large: %d bytes exceeds limit of %d", e.Length, e.Max)
}

func (e *FrameTooLargeError) Is(target error) bool { return target == ErrProtocol }
