package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mrpc/message"
)

// LoggingMiddleware logs every call with its duration; failed calls are
// logged at warn level with the error returned to the caller.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != "" {
				logger.Warn("call failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			logger.Debug("call served", fields...)
			return resp
		}
	}
}

// RecoveryMiddleware turns a panicking handler into an error reply, so one bad
// call cannot take the server down.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked", zap.String("method", req.ServiceMethod), zap.Any("panic", r), zap.Stack("stack"))
					resp = errorReply(req, ErrMsgPanic)
				}
			}()
			return next(ctx, req)
		}
	}
}
