// Package middleware wraps the environment's EXECUTE dispatch.
package middleware

import (
	"context"
	"reflect"
)

// Call is one EXECUTE as seen by the environment, after argument decoding.
type Call struct {
	Token    string
	Method   string
	Instance any
	Args     []reflect.Value
}

// HandlerFunc runs a call and returns the method result (nil when the method
// has none) or an error.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
