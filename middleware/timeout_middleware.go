package middleware

import (
	"context"
	"time"

	"mrpc/message"
)

// TimeOutMiddleware bounds every handler to timeout.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return MethodTimeOutMiddleware(nil, timeout)
}

// MethodTimeOutMiddleware bounds "Service.Method" to perMethod[name], falling
// back to fallback. A zero or missing bound leaves the call unbounded.
//
// The handler keeps running in the background after the deadline; it should
// watch ctx to stop early.
func MethodTimeOutMiddleware(perMethod map[string]time.Duration, fallback time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			timeout, ok := perMethod[req.ServiceMethod]
			if !ok {
				timeout = fallback
			}
			if timeout <= 0 {
				return next(ctx, req)
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			result := make(chan *message.RPCMessage, 1) // the handler may finish after we gave up
			go func() {
				result <- next(ctx, req)
			}()

			select {
			case resp := <-result:
				return resp
			case <-ctx.Done():
				return errorReply(req, ErrMsgTimeout)
			}
		}
	}
}
