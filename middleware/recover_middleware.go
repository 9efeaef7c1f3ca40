package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fmbridge/message"
)

// Recover converts a handler panic into a structured INTERNAL error instead
// of letting it take down the whole worker. One poisoned request must not
// kill every other in-flight request on the connection.
func Recover(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						zap.String("method", req.Method),
						zap.Any("panic", r),
						zap.Stack("stack"))
					resp = message.ErrResponse(req.ID, message.CodeInternal, fmt.Sprintf("handler panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
