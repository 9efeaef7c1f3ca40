package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fmbridge/message"
)

// Logging records method, duration, and outcome of every request on the
// diagnostic channel. It never writes to the protocol stream.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.Error != nil {
				fields = append(fields, zap.String("code", resp.Error.Code))
				logger.Warn("request failed", fields...)
				return resp
			}
			logger.Debug("request handled", fields...)
			return resp
		}
	}
}
