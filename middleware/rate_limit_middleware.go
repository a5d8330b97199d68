package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"mrpc/message"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件，所有方法共享一个令牌桶
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return errorReply(req, ErrMsgRateLimited)
			}
			return next(ctx, req)
		}
	}
}

// MethodRateLimitMiddleware gives every service method its own token bucket,
// so one hot method cannot starve the others.
func MethodRateLimitMiddleware(r float64, burst int) Middleware {
	var limiters sync.Map // ServiceMethod → *rate.Limiter
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			l, ok := limiters.Load(req.ServiceMethod)
			if !ok {
				l, _ = limiters.LoadOrStore(req.ServiceMethod, rate.NewLimiter(rate.Limit(r), burst))
			}
			if !l.(*rate.Limiter).Allow() {
				return errorReply(req, ErrMsgRateLimited)
			}
			return next(ctx, req)
		}
	}
}
