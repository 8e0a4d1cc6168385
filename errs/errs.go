// Package errs normalizes errors that cross the controller/environment
// boundary.
//
// On the sending side any error (or recovered panic value) becomes a
// message.ErrorPayload tagged with a Code. On the receiving side a
// code→constructor table rebuilds a typed *Error; unknown codes become
// CodeUnexpected. Aggregates keep their underlying errors as values in
// OriginalErrors instead of folding them into the message.
package errs

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"runner-rpc/message"
)

// Code identifies an error kind across the boundary.
type Code string

const (
	CodeUnexpected          Code = "UNEXPECTED_ERROR"
	CodeConnectionClosed    Code = "CONNECTION_CLOSED"
	CodeConstructorNotFound Code = "CONSTRUCTOR_NOT_FOUND"
	CodeRunnerInit          Code = "RUNNER_INIT_ERROR"
	CodeExecute             Code = "EXECUTE_ERROR"
	CodeDestroy             Code = "DESTROY_ERROR"
	CodeUnexpectedAction    Code = "UNEXPECTED_ACTION"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrUnexpected          = &Error{Code: CodeUnexpected}
	ErrConnectionClosed    = &Error{Code: CodeConnectionClosed}
	ErrConstructorNotFound = &Error{Code: CodeConstructorNotFound}
	ErrRunnerInit          = &Error{Code: CodeRunnerInit}
	ErrExecute             = &Error{Code: CodeExecute}
	ErrDestroy             = &Error{Code: CodeDestroy}
	ErrUnexpectedAction    = &Error{Code: CodeUnexpectedAction}
)

// Error is a typed error that survives the boundary.
type Error struct {
	Code    Code
	Name    string
	Message string
	// Stack is where this value was created (or rebuilt, see FromPayload).
	Stack string
	// RemoteStack is the stack reported by the peer, if any.
	RemoteStack    string
	OriginalErrors []error
}

func (e *Error) Error() string {
	name := e.Name
	if name == "" {
		name = nameOf(e.Code)
	}
	if e.Message == "" {
		return name
	}
	return name + ": " + e.Message
}

// Unwrap exposes aggregated causes to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	return e.OriginalErrors
}

// Is matches sentinels (no message) by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Name == "" && t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnexpected.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnexpected
}

// Constructor rebuilds a typed error from its payload.
type Constructor func(p *message.ErrorPayload) *Error

var (
	tableMu sync.RWMutex
	names   = map[Code]string{
		CodeUnexpected:          "UnexpectedError",
		CodeConnectionClosed:    "ConnectionClosedError",
		CodeConstructorNotFound: "ConstructorNotFoundError",
		CodeRunnerInit:          "RunnerInitError",
		CodeExecute:             "ExecuteError",
		CodeDestroy:             "DestroyError",
		CodeUnexpectedAction:    "UnexpectedActionError",
	}
	constructors = map[Code]Constructor{}
)

// Register adds or replaces the constructor used for code by FromPayload.
func Register(code Code, name string, ctor Constructor) {
	tableMu.Lock()
	defer tableMu.Unlock()
	names[code] = name
	if ctor != nil {
		constructors[code] = ctor
	}
}

func nameOf(code Code) string {
	tableMu.RLock()
	defer tableMu.RUnlock()
	if n, ok := names[code]; ok {
		return n
	}
	return names[CodeUnexpected]
}

func lookup(code Code) (Constructor, bool) {
	tableMu.RLock()
	defer tableMu.RUnlock()
	if _, known := names[code]; !known {
		return nil, false
	}
	if ctor, ok := constructors[code]; ok {
		return ctor, true
	}
	return func(p *message.ErrorPayload) *Error {
		return &Error{Code: code, Name: names[code], Message: p.Message}
	}, true
}

// New creates a typed error with the stack of its caller.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Name:    nameOf(code),
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(1),
	}
}

// Wrap turns err into a typed error with the given code, keeping err as cause.
// An err that already carries a code keeps it.
func Wrap(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Code:           code,
		Name:           nameOf(code),
		Message:        err.Error(),
		Stack:          captureStack(1),
		OriginalErrors: []error{err},
	}
}

// ClosedFactory produces the error used to reject requests on a closed
// connection. Wrapping layers inject their own to add runner/token context.
type ClosedFactory func() error

// Closed is the default ClosedFactory.
func Closed() error {
	return New(CodeConnectionClosed, "connection was closed")
}

// Recover converts a recovered panic value into a typed error.
func Recover(v any, code Code) *Error {
	if err, ok := v.(error); ok {
		e := Wrap(err, code)
		if e.Stack == "" {
			e.Stack = string(debug.Stack())
		}
		return e
	}
	return &Error{
		Code:    code,
		Name:    nameOf(code),
		Message: fmt.Sprint(v),
		Stack:   string(debug.Stack()),
	}
}

// Combine aggregates errs (nils ignored) into one typed error with the given
// code. It returns nil when every err is nil. Causes are kept as values.
func Combine(code Code, msg string, errs ...error) error {
	combined := multierr.Combine(errs...)
	if combined == nil {
		return nil
	}
	return &Error{
		Code:           code,
		Name:           nameOf(code),
		Message:        msg + ": " + combined.Error(),
		Stack:          captureStack(1),
		OriginalErrors: multierr.Errors(combined),
	}
}

// Normalize converts err into its transportable form. Errors that already
// carry a code keep it; everything else is tagged with fallback.
func Normalize(err error, fallback Code) *message.ErrorPayload {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		return &message.ErrorPayload{
			ErrorCode: string(fallback),
			Name:      nameOf(fallback),
			Message:   err.Error(),
		}
	}

	p := &message.ErrorPayload{
		ErrorCode: string(e.Code),
		Name:      e.Name,
		Message:   e.Message,
		Stack:     e.Stack,
	}
	if p.Name == "" {
		p.Name = nameOf(e.Code)
	}
	if e != err {
		// wrapped with extra context: report the outer text
		p.Message = err.Error()
	}
	for _, orig := range e.OriginalErrors {
		p.OriginalErrors = append(p.OriginalErrors, Normalize(orig, fallback))
	}
	return p
}

// FromPayload rebuilds a typed error. skip is the number of stack frames
// above FromPayload's caller at which the local stack is captured, so errors
// rebuilt deep inside the protocol can point at the public API call site.
func FromPayload(p *message.ErrorPayload, skip int) *Error {
	if p == nil {
		return nil
	}
	ctor, ok := lookup(Code(p.ErrorCode))
	var e *Error
	if ok {
		e = ctor(p)
	} else {
		e = &Error{Code: CodeUnexpected, Name: nameOf(CodeUnexpected), Message: p.Message}
	}
	e.RemoteStack = p.Stack
	e.Stack = captureStack(skip + 1)
	for _, orig := range p.OriginalErrors {
		e.OriginalErrors = append(e.OriginalErrors, FromPayload(orig, skip+1))
	}
	return e
}

// captureStack formats the stack starting skip frames above its caller.
func captureStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}
