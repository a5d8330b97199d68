package invoker

import (
	"context"
	"fmt"

	"mrpc/codec"
	"mrpc/message"
	"mrpc/transport"
)

// ServerError is an error returned by the remote handler. The call itself
// completed; retrying it elsewhere is not safe.
type ServerError struct {
	ServiceMethod string
	Message       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s: %s", e.ServiceMethod, e.Message)
}

// Call is an in-flight request: a future over its pending entry.
type Call struct {
	ServiceMethod string

	conn    *transport.Conn
	pending *transport.PendingCall
}

// Done is closed when the call is resolved, failed, timed out or canceled.
func (c *Call) Done() <-chan struct{} {
	return c.pending.Done()
}

// ID returns the request id the call was sent with.
func (c *Call) ID() uint64 {
	return c.pending.ID
}

// State returns the lifecycle state of the underlying pending entry.
func (c *Call) State() transport.CallState {
	return c.pending.State()
}

// Cancel abandons the call. It reports false when the call already completed.
// A response arriving afterwards is dropped.
func (c *Call) Cancel() bool {
	return c.conn.Cancel(c.pending, ErrCallCanceled)
}

// Wait blocks until the call completes or ctx is done. When ctx ends first
// the call is canceled and ctx.Err() is returned.
func (c *Call) Wait(ctx context.Context) (*message.RPCMessage, error) {
	select {
	case <-c.pending.Done():
	case <-ctx.Done():
		if c.conn.Cancel(c.pending, ctx.Err()) {
			return nil, ctx.Err()
		}
		// lost the race to a completion; report that instead
		<-c.pending.Done()
	}

	env, err := c.pending.Result()
	if err != nil {
		return nil, err
	}

	// the response is decoded with the codec its own tag names
	cdc, err := codec.GetCodec(env.Tag)
	if err != nil {
		return nil, err
	}
	var msg message.RPCMessage
	if err := cdc.Decode(env.Payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Reply waits for the response and decodes its payload into reply, which may
// be nil when the result is not needed. A handler error is returned as
// *ServerError.
func (c *Call) Reply(ctx context.Context, reply any) error {
	msg, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if msg.Error != "" {
		return &ServerError{ServiceMethod: c.ServiceMethod, Message: msg.Error}
	}
	if reply == nil {
		return nil
	}
	cdc, err := codec.GetCodec(c.conn.Tag())
	if err != nil {
		return err
	}
	return cdc.Decode(msg.Payload, reply)
}
