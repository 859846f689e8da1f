package middleware

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rkusa/dcs-jsonrpc/message"
	"github.com/rkusa/dcs-jsonrpc/protocol"
)

// RecoverMiddleware turns a panicking handler into an internal error outcome,
// keeping the host loop alive.
func RecoverMiddleware(log zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (outcome *message.Outcome) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("method", call.Method).Msg("Handler panicked")
					outcome = message.Failure(protocol.Errorf(protocol.CodeInternalError, "handler panicked: %v", r))
				}
			}()
			return next(ctx, call)
		}
	}
}
