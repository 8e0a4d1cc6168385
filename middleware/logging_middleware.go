package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"runner-rpc/errs"
)

// LoggingMiddleware logs every call with its duration, and its error code
// when it fails.
func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			start := time.Now()
			result, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("token", call.Token),
				zap.String("method", call.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("environment.execute failed",
					append(fields, zap.String("code", string(errs.CodeOf(err))), zap.Error(err))...)
				return result, err
			}
			log.Debug("environment.execute", fields...)
			return result, nil
		}
	}
}
