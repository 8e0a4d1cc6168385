package marshal

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runner-rpc/errs"
	"runner-rpc/message"
	"runner-rpc/transport"
)

type fakeProxy struct {
	token        string
	ch           message.Channel
	resolveErr   error
	resolved     atomic.Int32
	disconnected atomic.Bool
	disconnErr   error
}

func (f *fakeProxy) Token() string { return f.token }

func (f *fakeProxy) ResolveOrTransfer(ctx context.Context) (message.Channel, error) {
	f.resolved.Add(1)
	return f.ch, f.resolveErr
}

func (f *fakeProxy) Disconnect(ctx context.Context) error {
	f.disconnected.Store(true)
	return f.disconnErr
}

var proxyType = reflect.TypeOf((*fakeProxy)(nil))

// closed reports whether the peer of ch observes it closed.
func closed(ch message.Channel) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := ch.Recv(ctx)
	return errors.Is(err, transport.ErrClosed)
}

func TestEncodeArgs(t *testing.T) {
	local, _ := transport.Pipe()
	proxy := &fakeProxy{token: "Counter", ch: local}
	buf := message.NewBuffer([]byte("payload"))

	m := &Marshaller{}
	p, err := m.EncodeArgs(context.Background(), []any{5, proxy, buf, "x"})
	require.NoError(t, err)

	require.Len(t, p.Args, 4)
	assert.Equal(t, message.Arg{Type: message.ArgJSON, Value: []byte("5")}, p.Args[0])
	assert.Equal(t, message.Arg{Type: message.ArgRunnerInstance, Token: "Counter", Index: 0}, p.Args[1])
	assert.Equal(t, message.Arg{Type: message.ArgTransfer, Index: 0}, p.Args[2])
	assert.Equal(t, []message.Channel{local}, p.Channels)
	assert.Equal(t, [][]byte{[]byte("payload")}, p.Buffers)

	// the sender's buffer is detached after a transfer
	assert.True(t, buf.Detached())
	_, err = buf.Bytes()
	assert.ErrorIs(t, err, message.ErrDetached)
}

func TestEncodeArgsBadValueFailsBeforeResolving(t *testing.T) {
	local, _ := transport.Pipe()
	proxy := &fakeProxy{token: "Counter", ch: local}
	buf := message.NewBuffer([]byte("keep"))

	_, err := (&Marshaller{}).EncodeArgs(context.Background(), []any{proxy, make(chan int), buf})
	require.Error(t, err)
	assert.Zero(t, proxy.resolved.Load())
	assert.False(t, buf.Detached())
}

func TestEncodeArgsResolveFailureDiscardsChannels(t *testing.T) {
	first, firstPeer := transport.Pipe()
	ok := &fakeProxy{token: "A", ch: first}
	bad := &fakeProxy{token: "B", resolveErr: errs.Closed()}

	_, err := (&Marshaller{}).EncodeArgs(context.Background(), []any{ok, bad})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConnectionClosed)
	assert.True(t, closed(firstPeer))
}

func TestDecodeArgs(t *testing.T) {
	local, _ := transport.Pipe()
	var created []*fakeProxy
	m := &Marshaller{Proxies: func(ctx context.Context, ch message.Channel, token string) (Transferable, error) {
		p := &fakeProxy{token: token, ch: ch}
		created = append(created, p)
		return p, nil
	}}

	env := &message.Envelope{
		Args: []message.Arg{
			{Type: message.ArgJSON, Value: []byte(`{"a":1}`)},
			{Type: message.ArgRunnerInstance, Token: "Counter", Index: 0},
			{Type: message.ArgTransfer, Index: 0},
		},
		Channels: []message.Channel{local},
		Buffers:  [][]byte{[]byte("bytes")},
	}
	types := []reflect.Type{reflect.TypeOf(map[string]int{}), proxyType, reflect.TypeOf((*message.Buffer)(nil))}

	d, err := m.DecodeArgs(context.Background(), env, types)
	require.NoError(t, err)
	require.Len(t, created, 1)

	assert.Equal(t, map[string]int{"a": 1}, d.Values[0].Interface())
	assert.Same(t, created[0], d.Values[1].Interface())
	assert.Equal(t, "Counter", created[0].token)
	b, err := d.Values[2].Interface().(*message.Buffer).Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), b)
	assert.Equal(t, []Transferable{created[0]}, d.Proxies)
}

func TestDecodeArgsFailureReleasesProxies(t *testing.T) {
	bound, _ := transport.Pipe()
	unbound, unboundPeer := transport.Pipe()
	var created *fakeProxy
	m := &Marshaller{Proxies: func(ctx context.Context, ch message.Channel, token string) (Transferable, error) {
		created = &fakeProxy{token: token, ch: ch, disconnErr: errs.New(errs.CodeDestroy, "hook failed")}
		return created, nil
	}}

	env := &message.Envelope{
		Args: []message.Arg{
			{Type: message.ArgRunnerInstance, Token: "Counter", Index: 0},
			{Type: message.ArgJSON, Value: []byte(`"not a number"`)},
			{Type: message.ArgRunnerInstance, Token: "Counter", Index: 1},
		},
		Channels: []message.Channel{bound, unbound},
	}
	types := []reflect.Type{proxyType, reflect.TypeOf(0), proxyType}

	_, err := m.DecodeArgs(context.Background(), env, types)
	require.Error(t, err)
	require.NotNil(t, created)
	assert.True(t, created.disconnected.Load())
	assert.True(t, closed(unboundPeer))

	// the cause and the cleanup failure are both kept
	assert.ErrorContains(t, err, "argument 1")
	assert.ErrorIs(t, err, errs.ErrRunnerInit)
	assert.ErrorContains(t, err, "hook failed")

	var combined *errs.Error
	require.ErrorAs(t, err, &combined)
	assert.Equal(t, errs.CodeRunnerInit, combined.Code)
	require.Len(t, combined.OriginalErrors, 2)
	assert.ErrorContains(t, combined.OriginalErrors[0], "argument 1")
	assert.Equal(t, errs.CodeRunnerInit, errs.CodeOf(combined.OriginalErrors[1]))
	assert.ErrorIs(t, combined.OriginalErrors[1], errs.ErrRunnerInit)

	// the cause survives the boundary
	p := errs.Normalize(errs.Wrap(err, errs.CodeRunnerInit), errs.CodeRunnerInit)
	require.Len(t, p.OriginalErrors, 2)
	assert.Contains(t, p.OriginalErrors[0].Message, "argument 1")
}

func TestDecodeArgsCountMismatch(t *testing.T) {
	carried, peer := transport.Pipe()
	env := &message.Envelope{
		Args:     []message.Arg{{Type: message.ArgRunnerInstance, Index: 0}},
		Channels: []message.Channel{carried},
	}
	_, err := (&Marshaller{}).DecodeArgs(context.Background(), env, nil)
	assert.ErrorContains(t, err, "want 0 arguments, got 1")
	assert.True(t, closed(peer))
}

func TestDecodeRejectsUnassignableProxy(t *testing.T) {
	local, _ := transport.Pipe()
	m := &Marshaller{Proxies: func(ctx context.Context, ch message.Channel, token string) (Transferable, error) {
		return &fakeProxy{token: token, ch: ch}, nil
	}}
	env := &message.Envelope{
		Args:     []message.Arg{{Type: message.ArgRunnerInstance, Token: "Counter"}},
		Channels: []message.Channel{local},
	}
	_, err := m.DecodeArgs(context.Background(), env, []reflect.Type{reflect.TypeOf("")})
	assert.ErrorContains(t, err, "cannot assign")
}

func TestEncodeResult(t *testing.T) {
	type runner struct{ n int }
	exposed, _ := transport.Pipe()
	inst := &runner{}
	m := &Marshaller{Expose: func(ctx context.Context, v any) (message.Channel, string, bool, error) {
		if v == inst {
			return exposed, "runner", true, nil
		}
		return nil, "", false, nil
	}}

	env, err := m.EncodeResult(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, message.ActionExecutedWithRunnerResult, env.Type)
	assert.Equal(t, "runner", env.Token)
	assert.Equal(t, []message.Channel{exposed}, env.Channels)

	env, err = m.EncodeResult(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, message.ActionExecuted, env.Type)
	assert.JSONEq(t, "42", string(env.Value.Value))

	env, err = m.EncodeResult(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, message.ActionExecuted, env.Type)

	v, _, err := m.DecodeValue(context.Background(), env, *env.Value, reflect.TypeOf(0))
	require.NoError(t, err)
	assert.Equal(t, 0, v.Interface())
}

func TestEncodeResultProxy(t *testing.T) {
	local, _ := transport.Pipe()
	proxy := &fakeProxy{token: "Counter", ch: local}

	env, err := (&Marshaller{}).EncodeResult(context.Background(), proxy)
	require.NoError(t, err)
	assert.Equal(t, message.ActionExecutedWithRunnerResult, env.Type)
	assert.Equal(t, "Counter", env.Token)
	assert.Equal(t, int32(1), proxy.resolved.Load())
}

func TestClassify(t *testing.T) {
	var nilProxy *fakeProxy
	assert.Equal(t, kindPlain, classify(nilProxy))
	assert.Equal(t, kindPlain, classify((*message.Buffer)(nil)))
	assert.Equal(t, kindProxy, classify(&fakeProxy{}))
	assert.Equal(t, kindBuffer, classify(message.NewBuffer(nil)))
	assert.True(t, IsTransferable(proxyType))
	assert.False(t, IsTransferable(reflect.TypeOf(0)))
}
