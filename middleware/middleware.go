// Package middleware wraps the host handler that PollOnce invokes.
//
// Middlewares run on the host's own goroutine, inside its poll loop, so none of
// them may block or hand the call to another goroutine.
package middleware

import (
	"context"

	"github.com/rkusa/dcs-jsonrpc/message"
)

type HandlerFunc func(ctx context.Context, call *message.Call) *message.Outcome

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares so that the first one is the outermost:
// Chain(A, B)(h) runs A → B → h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
