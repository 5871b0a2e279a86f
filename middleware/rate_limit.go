package middleware

import (
	"context"

	"callbridge/message"

	"golang.org/x/time/rate"
)

const rateLimitReason = "rate limit exceeded"

// RateLimit 创建一个基于令牌桶算法的限流中间件
// Calls over the limit are answered MethodFailed without reaching the handler.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.MethodCall) *message.MethodResult {
			if !limiter.Allow() {
				return failed(call, rateLimitReason)
			}
			return next(ctx, call)
		}
	}
}
