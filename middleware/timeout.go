package middleware

import (
	"context"
	"time"

	"callbridge/message"
)

const timeoutReason = "dispatch timed out"

// Timeout answers MethodFailed when the handler takes longer than timeout. The handler
// keeps running with a canceled context; its late result is dropped.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.MethodCall) *message.MethodResult {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.MethodResult, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case res := <-done:
				return res
			case <-ctx.Done():
				return failed(call, timeoutReason)
			}
		}
	}
}
