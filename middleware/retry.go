package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"callbridge/message"

	"github.com/avast/retry-go/v4"
)

type retryableError struct {
	res *message.MethodResult
}

func (e retryableError) Error() string {
	return fmt.Sprint(e.res.Payload)
}

// Transient reports failures worth another attempt: timeouts and refused connections.
func Transient(res *message.MethodResult) bool {
	if res.Status != message.StatusMethodFailed {
		return false
	}
	reason := fmt.Sprint(res.Payload)
	return strings.Contains(reason, "timed out") || strings.Contains(reason, "connection refused")
}

// Retry re-dispatches a call while shouldRetry says its result is worth retrying, with
// exponential backoff starting at baseDelay. Callbacks the method invoked during a failed
// attempt are not undone.
func Retry(attempts uint, baseDelay time.Duration, shouldRetry func(*message.MethodResult) bool) Middleware {
	if shouldRetry == nil {
		shouldRetry = Transient
	}
	if attempts == 0 {
		// retry-go treats zero as unlimited
		attempts = 1
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.MethodCall) *message.MethodResult {
			var res *message.MethodResult
			err := retry.Do(func() error {
				res = next(ctx, call)
				if shouldRetry(res) {
					return retryableError{res}
				}
				return nil
			},
				retry.Context(ctx),
				retry.Attempts(attempts),
				retry.Delay(baseDelay),
				retry.DelayType(retry.BackOffDelay),
				retry.LastErrorOnly(true),
			)
			if res == nil {
				// no attempt was made: ctx was done before the first one
				if err == nil {
					err = ctx.Err()
				}
				return failed(call, fmt.Sprintf("dispatch not attempted: %v", err))
			}
			return res
		}
	}
}
