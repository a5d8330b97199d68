package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrCallTimeout is returned when a call's deadline passes before its response arrives.
	ErrCallTimeout = errors.New("call timed out")

	// ErrConnectionLost is returned for every call pending on a connection
	// that was torn down. It is joined with the cause of the teardown.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnClosed is the teardown cause when the owner closes the connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrIdleTimeout is the teardown cause after too many unanswered idle probes.
	ErrIdleTimeout = errors.New("idle timeout: peer did not answer heartbeats")

	// ErrWriteStalled means a frame could not be started before its deadline
	// because the peer stopped reading. The connection itself stays usable.
	ErrWriteStalled = errors.New("write stalled: peer is not reading")

	// ErrIDSpaceExhausted means the allocator could not find a free request id.
	// This only happens when the id limit is configured far too small for the
	// number of calls kept in flight.
	ErrIDSpaceExhausted = errors.New("request id space exhausted")
)

// DuplicateRequestIDError reports an attempt to register an id that is still
// pending. The allocator makes this unreachable; seeing it means an internal
// invariant is broken.
type DuplicateRequestIDError struct {
	ID uint64
}

func (e *DuplicateRequestIDError) Error() string {
	return fmt.Sprintf("duplicate request id %d", e.ID)
}

// IsRetryable reports whether err leaves the call safe to re-route to another
// endpoint. The core itself never retries.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCallTimeout) || errors.Is(err, ErrConnectionLost)
}
