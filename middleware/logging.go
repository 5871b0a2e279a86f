package middleware

import (
	"context"
	"time"

	"callbridge/message"

	"go.uber.org/zap"
)

// Logging logs every dispatch with its status and duration. Failures are logged at
// Warn with the failure payload.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.MethodCall) *message.MethodResult {
			start := time.Now()
			res := next(ctx, call)

			fields := []zap.Field{
				zap.String("contract", call.Contract),
				zap.String("method", call.Method),
				zap.Uint16("id", uint16(call.ID)),
				zap.Stringer("status", res.Status),
				zap.Duration("duration", time.Since(start)),
			}
			if res.Status == message.StatusOk {
				logger.Debug("Dispatched call", fields...)
			} else {
				logger.Warn("Call failed", append(fields, zap.Any("payload", res.Payload))...)
			}
			return res
		}
	}
}
