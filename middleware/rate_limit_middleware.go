package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"runner-rpc/errs"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// Calls over the limit fail immediately with an execute error.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			if !limiter.Allow() {
				return nil, errs.New(errs.CodeExecute, "rate limit exceeded for %s.%s", call.Token, call.Method)
			}
			return next(ctx, call)
		}
	}
}
