package middleware

import (
	"context"

	"runner-rpc/errs"
)

// RecoverMiddleware turns a panic in the method or in inner middleware into
// an execute error carrying the panic value and stack. Only panics on the
// calling goroutine are caught; middleware that runs next elsewhere recovers
// on its own.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (result any, err error) {
			defer func() {
				if v := recover(); v != nil {
					result, err = nil, errs.Recover(v, errs.CodeExecute)
				}
			}()
			return next(ctx, call)
		}
	}
}
