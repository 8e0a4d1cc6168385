package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runner-rpc/message"
)

func TestNormalizePlainErrorUsesFallback(t *testing.T) {
	p := Normalize(errors.New("boom"), CodeExecute)
	require.NotNil(t, p)
	assert.Equal(t, string(CodeExecute), p.ErrorCode)
	assert.Equal(t, "ExecuteError", p.Name)
	assert.Equal(t, "boom", p.Message)
}

func TestNormalizeKeepsExistingCode(t *testing.T) {
	inner := New(CodeConstructorNotFound, "no constructor for %q", "Counter")
	wrapped := fmt.Errorf("resolve: %w", inner)

	p := Normalize(wrapped, CodeExecute)
	assert.Equal(t, string(CodeConstructorNotFound), p.ErrorCode)
	assert.Contains(t, p.Message, "resolve:")
	assert.NotEmpty(t, p.Stack)
}

func TestRoundTripTypedError(t *testing.T) {
	p := Normalize(New(CodeExecute, "boom"), CodeUnexpected)
	e := FromPayload(p, 0)

	require.NotNil(t, e)
	assert.Equal(t, CodeExecute, e.Code)
	assert.Equal(t, "boom", e.Message)
	assert.True(t, errors.Is(e, ErrExecute))
	assert.False(t, errors.Is(e, ErrConnectionClosed))
	assert.NotEmpty(t, e.RemoteStack)
	assert.True(t, strings.Contains(e.Stack, "TestRoundTripTypedError"), "local stack must point at the caller")
}

func TestFromPayloadUnknownCode(t *testing.T) {
	e := FromPayload(&message.ErrorPayload{ErrorCode: "SOMETHING_ELSE", Message: "odd"}, 0)
	assert.Equal(t, CodeUnexpected, e.Code)
	assert.Equal(t, "odd", e.Message)
	assert.True(t, errors.Is(e, ErrUnexpected))
}

func TestCombineKeepsOriginalErrors(t *testing.T) {
	first := New(CodeDestroy, "runner a")
	second := New(CodeConnectionClosed, "runner b")

	err := Combine(CodeDestroy, "disconnect arguments", first, nil, second)
	require.Error(t, err)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, CodeDestroy, e.Code)
	require.Len(t, e.OriginalErrors, 2)
	assert.True(t, errors.Is(err, ErrConnectionClosed), "causes stay reachable")

	p := Normalize(err, CodeUnexpected)
	require.Len(t, p.OriginalErrors, 2)
	assert.Equal(t, string(CodeConnectionClosed), p.OriginalErrors[1].ErrorCode)

	rebuilt := FromPayload(p, 0)
	require.Len(t, rebuilt.OriginalErrors, 2)
	assert.True(t, errors.Is(rebuilt, ErrConnectionClosed))
}

func TestCombineAllNil(t *testing.T) {
	assert.NoError(t, Combine(CodeDestroy, "nothing", nil, nil))
}

func TestRecover(t *testing.T) {
	e := Recover("kaboom", CodeExecute)
	assert.Equal(t, CodeExecute, e.Code)
	assert.Equal(t, "kaboom", e.Message)
	assert.NotEmpty(t, e.Stack)

	e = Recover(New(CodeDestroy, "typed"), CodeExecute)
	assert.Equal(t, CodeDestroy, e.Code)
}

func TestRegisterCustomConstructor(t *testing.T) {
	const code Code = "QUOTA_EXCEEDED"
	Register(code, "QuotaError", func(p *message.ErrorPayload) *Error {
		return &Error{Code: code, Name: "QuotaError", Message: "quota: " + p.Message}
	})

	e := FromPayload(&message.ErrorPayload{ErrorCode: string(code), Message: "10 calls"}, 0)
	assert.Equal(t, code, e.Code)
	assert.Equal(t, "quota: 10 calls", e.Message)
	assert.Equal(t, "QuotaError: quota: 10 calls", e.Error())
}

func TestClosedFactory(t *testing.T) {
	var f ClosedFactory = Closed
	err := f()
	assert.True(t, errors.Is(err, ErrConnectionClosed))
	assert.Equal(t, CodeConnectionClosed, CodeOf(err))
	assert.Equal(t, CodeUnexpected, CodeOf(errors.New("plain")))
}
