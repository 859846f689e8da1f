package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rkusa/dcs-jsonrpc/message"
)

func LoggingMiddleware(log zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Outcome {
			start := time.Now()
			outcome := next(ctx, call)
			var evt *zerolog.Event
			if outcome.Failed() {
				evt = log.Warn().Err(outcome.Err)
			} else {
				evt = log.Debug()
			}
			evt.Str("method", call.Method).
				Bool("notification", call.Notification).
				Dur("duration", time.Since(start)).
				Msg("Handled call")
			return outcome
		}
	}
}
