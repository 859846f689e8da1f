package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/rkusa/dcs-jsonrpc/message"
	"github.com/rkusa/dcs-jsonrpc/protocol"
)

// RateLimitMiddleware rejects calls beyond r per second (token bucket with the
// given burst) without invoking the handler.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Outcome {
			if !limiter.Allow() {
				return message.Failure(protocol.NewError(protocol.CodeRateLimited, "rate limit exceeded"))
			}
			return next(ctx, call)
		}
	}
}
