package middleware

import (
	"context"
	"time"

	"runner-rpc/errs"
)

// TimeOutMiddleware bounds how long the environment waits for a method. The
// method sees the deadline on its ctx; if it ignores it, its eventual result
// is discarded and the caller gets an execute error. A panic in the method
// becomes an execute error as well.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				result any
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				// a panic here is out of reach of RecoverMiddleware
				defer func() {
					if v := recover(); v != nil {
						done <- outcome{err: errs.Recover(v, errs.CodeExecute)}
					}
				}()
				result, err := next(ctx, call)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, errs.New(errs.CodeExecute, "%s.%s timed out after %s", call.Token, call.Method, timeout)
			}
		}
	}
}
