package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mrpc/metrics"
	"mrpc/protocol"
)

// CallState is the lifecycle of one pending call: Sent, then exactly one
// terminal state.
type CallState int32

const (
	StateSent CallState = iota
	StateResolved
	StateFailed
	StateTimedOut
	StateCanceled
)

func (s CallState) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	case StateCanceled:
		return "canceled"
	}
	return "unknown"
}

func (s CallState) outcome() string {
	switch s {
	case StateResolved:
		return metrics.OutcomeResolved
	case StateTimedOut:
		return metrics.OutcomeTimeout
	case StateCanceled:
		return metrics.OutcomeCanceled
	}
	return metrics.OutcomeFailed
}

// PendingCall is the result slot of one in-flight request.
// It is fulfilled exactly once; Done is closed when that happens.
type PendingCall struct {
	ID       uint64
	Deadline time.Time

	state atomic.Int32
	done  chan struct{}
	timer *time.Timer

	// written once before done is closed
	response *protocol.Envelope
	err      error
}

// Done is closed once the call reaches a terminal state.
func (c *PendingCall) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state.
func (c *PendingCall) State() CallState {
	return CallState(c.state.Load())
}

// Result returns the response envelope or the failure. It must only be called
// after Done is closed.
func (c *PendingCall) Result() (*protocol.Envelope, error) {
	return c.response, c.err
}

// PendingTable maps request ids to the callers awaiting them, for one connection.
//
// Resolution, failure, timeout and cancellation all go through complete under
// the table mutex: whichever comes first removes the entry, the others find
// nothing and do nothing.
type PendingTable struct {
	mu     sync.Mutex
	calls  map[uint64]*PendingCall
	closed error // set by FailAll; later registrations fail with it

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewPendingTable(logger *zap.Logger, m *metrics.Metrics) *PendingTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingTable{
		calls:   make(map[uint64]*PendingCall),
		logger:  logger,
		metrics: m,
	}
}

// Register records a call awaiting the response for id. A zero deadline
// means the call never times out on its own.
func (t *PendingTable) Register(id uint64, deadline time.Time) (*PendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, t.closed
	}
	if _, ok := t.calls[id]; ok {
		t.logger.Error("request id already pending, refusing to register", zap.Uint64("id", id))
		return nil, &DuplicateRequestIDError{ID: id}
	}

	call := &PendingCall{
		ID:       id,
		Deadline: deadline,
		done:     make(chan struct{}),
	}
	t.calls[id] = call
	t.metrics.CallStarted()

	if !deadline.IsZero() {
		call.timer = time.AfterFunc(time.Until(deadline), func() {
			t.complete(id, call, StateTimedOut, nil, ErrCallTimeout)
		})
	}
	return call, nil
}

// Resolve delivers a response. It reports false, after logging, when no call
// is pending for the id: a late response after a timeout or cancellation, or a
// duplicate delivery.
func (t *PendingTable) Resolve(id uint64, response *protocol.Envelope) bool {
	if t.complete(id, nil, StateResolved, response, nil) {
		return true
	}
	t.logger.Debug("dropping response with no pending call", zap.Uint64("id", id))
	t.metrics.LateResponse()
	return false
}

// Fail completes a single call with err.
func (t *PendingTable) Fail(id uint64, err error) bool {
	return t.complete(id, nil, StateFailed, nil, err)
}

// Cancel abandons a call. A response arriving afterwards is dropped like any
// other late response.
func (t *PendingTable) Cancel(id uint64, cause error) bool {
	return t.complete(id, nil, StateCanceled, nil, cause)
}

// FailAll fails every pending call with cause and closes the table to new
// registrations. It returns the number of calls failed.
func (t *PendingTable) FailAll(cause error) int {
	t.mu.Lock()
	if t.closed == nil {
		t.closed = cause
	}
	calls := t.calls
	t.calls = make(map[uint64]*PendingCall)
	for _, call := range calls {
		t.finish(call, StateFailed, nil, cause)
	}
	t.mu.Unlock()
	return len(calls)
}

// Contains reports whether id is held by a pending call.
func (t *PendingTable) Contains(id uint64) bool {
	t.mu.Lock()
	_, ok := t.calls[id]
	t.mu.Unlock()
	return ok
}

// Len returns the number of pending calls.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// complete moves the entry for id to a terminal state. When expect is non-nil
// the entry must still be that call; this keeps a stale timer from completing
// a later call that reuses the id.
func (t *PendingTable) complete(id uint64, expect *PendingCall, state CallState, response *protocol.Envelope, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.calls[id]
	if !ok || (expect != nil && call != expect) {
		return false
	}
	delete(t.calls, id)
	t.finish(call, state, response, err)
	return true
}

// callers must hold mu and have removed call from the map
func (t *PendingTable) finish(call *PendingCall, state CallState, response *protocol.Envelope, err error) {
	if call.timer != nil {
		call.timer.Stop()
	}
	call.response = response
	call.err = err
	call.state.Store(int32(state))
	close(call.done)
	t.metrics.CallFinished(state.outcome())
}
