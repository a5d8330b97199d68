// Package middleware wraps the server's business handler.
//
// Middlewares follow the onion model: Chain(A, B, C)(h) runs A.before,
// B.before, C.before, h, C.after, B.after, A.after. A middleware that rejects
// a request answers with an RPCMessage whose Error is set; the call still
// completes normally on the wire.
package middleware

import (
	"context"

	"mrpc/message"
)

// Errors reported to the caller in RPCMessage.Error.
const (
	ErrMsgTimeout     = "request timed out"
	ErrMsgRateLimited = "rate limit exceeded"
	ErrMsgPanic       = "internal server error"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func errorReply(req *message.RPCMessage, msg string) *message.RPCMessage {
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: msg}
}
