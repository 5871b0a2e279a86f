// Package middleware wraps the dispatch of a method call.
//
// Middlewares compose in onion order:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"callbridge/message"
)

// HandlerFunc dispatches one call and always returns a terminal result for it.
type HandlerFunc func(ctx context.Context, call *message.MethodCall) *message.MethodResult

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

func failed(call *message.MethodCall, reason string) *message.MethodResult {
	return message.NewResult(call.ID, reason, message.StatusMethodFailed)
}
