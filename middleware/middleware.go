// Package middleware provides the handler chain the worker dispatcher runs
// every request through before method routing.
package middleware

import (
	"context"

	"fmbridge/message"
)

// HandlerFunc processes one request and produces its terminal response.
// Streaming progress events are emitted out-of-band by the handler; only the
// terminal response flows back through the chain.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, onion-style:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//
// Execution order: A.before → B.before → C.before → handler → C.after → ...
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
