package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"fmbridge/message"
)

// RateLimit guards generation methods with a token bucket. Rejected requests
// get a structured RATE_LIMITED error; the connection stays usable.
//
// Only responses.create consumes tokens; pings, capability probes, and
// cancels must keep working while the bucket is empty.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if req.Method == message.MethodCreate && !limiter.Allow() {
				return message.ErrResponse(req.ID, message.CodeRateLimited, "generation rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
