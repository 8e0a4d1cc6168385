package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync/atomic"

	"runner-rpc/controller"
	"runner-rpc/errs"
	"runner-rpc/message"
	"runner-rpc/registry"
)

// Proxy is the caller-side handle of one remote runner instance. Every proxy
// owns its own connection; clones are independent.
type Proxy struct {
	bridge   *Bridge
	token    string
	entry    *registry.Entry
	ctrl     *controller.Controller
	transfer atomic.Bool
}

// Token returns the runner token.
func (p *Proxy) Token() string { return p.token }

// Methods returns the forwardable method names.
func (p *Proxy) Methods() []string { return p.entry.MethodNames() }

// Strict reports whether the method table comes from a known Go type.
func (p *Proxy) Strict() bool { return p.entry.Strict }

// State returns the connection state.
func (p *Proxy) State() controller.State { return p.ctrl.State() }

// Closed is closed once the proxy can no longer issue requests.
func (p *Proxy) Closed() <-chan struct{} { return p.ctrl.Done() }

// Call invokes method remotely. Arguments may be plain values, proxies
// (cloned, or moved when marked for transfer) and *message.Buffer values
// (moved).
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (*Result, error) {
	m, ok := p.entry.Method(method)
	if !ok {
		return nil, errs.New(errs.CodeExecute, "runner %q has no method %q", p.token, method)
	}
	if m.Callable() && len(args) != len(m.ArgTypes()) {
		return nil, errs.New(errs.CodeExecute, "%s.%s takes %d arguments, got %d", p.token, method, len(m.ArgTypes()), len(args))
	}

	payload, err := p.bridge.marshal.EncodeArgs(ctx, args)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeExecute)
	}
	env := &message.Envelope{Type: message.ActionExecute, Method: method}
	payload.Apply(env)

	reply, err := p.ctrl.Request(ctx, env)
	if err != nil {
		return nil, err
	}

	switch reply.Type {
	case message.ActionExecuted:
		return &Result{bridge: p.bridge, env: reply, value: reply.Value}, nil
	case message.ActionExecutedWithRunnerResult:
		ch := reply.Channel(0)
		if ch == nil {
			return nil, errs.New(errs.CodeUnexpectedAction, "%s reply without a channel", reply.Type)
		}
		proxy, err := p.bridge.Bind(ctx, ch, reply.Token)
		if err != nil {
			return nil, err
		}
		return &Result{bridge: p.bridge, env: reply, proxy: proxy}, nil
	case message.ActionExecuteError:
		return nil, errs.FromPayload(reply.Error, 1)
	}
	return nil, unexpected(reply, message.ActionExecute)
}

// Call invokes method on p and decodes its result into T.
func Call[T any](ctx context.Context, p *Proxy, method string, args ...any) (T, error) {
	var out T
	res, err := p.Call(ctx, method, args...)
	if err != nil {
		return out, err
	}
	err = res.Decode(&out)
	return out, err
}

// Disconnect releases this proxy. The instance survives while other proxies
// are connected to it; releasing the last one destroys it.
func (p *Proxy) Disconnect(ctx context.Context) error {
	reply, err := p.ctrl.Request(ctx, &message.Envelope{Type: message.ActionDisconnect})
	if err != nil {
		return err
	}
	switch reply.Type {
	case message.ActionDisconnected:
		p.ctrl.Finish(controller.Disconnected)
		return nil
	case message.ActionDestroyedByRequest:
		p.ctrl.Finish(controller.Destroyed)
		return nil
	case message.ActionDestroyedWithError:
		p.ctrl.Finish(controller.Destroyed)
		return errs.FromPayload(reply.Error, 1)
	}
	return unexpected(reply, message.ActionDisconnect)
}

// Destroy tears the instance down for every proxy connected to it. A second
// Destroy fails with a connection-closed error.
func (p *Proxy) Destroy(ctx context.Context) error {
	reply, err := p.ctrl.Request(ctx, &message.Envelope{Type: message.ActionDestroy})
	if err != nil {
		return err
	}
	switch reply.Type {
	case message.ActionDestroyedByRequest:
		p.ctrl.Finish(controller.Destroyed)
		return nil
	case message.ActionDestroyedWithError:
		p.ctrl.Finish(controller.Destroyed)
		return errs.FromPayload(reply.Error, 1)
	}
	return unexpected(reply, message.ActionDestroy)
}

// CloneControl returns a new, independently connected proxy to the same
// instance.
func (p *Proxy) CloneControl(ctx context.Context) (*Proxy, error) {
	ch, err := p.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return p.bridge.bindEntry(ch, p.entry), nil
}

// MarkForTransfer makes the next use of p as an argument or result move its
// connection instead of cloning it. p is unusable afterwards.
func (p *Proxy) MarkForTransfer() *Proxy {
	p.transfer.Store(true)
	return p
}

// ResolveOrTransfer hands a channel for this instance to a new owner.
func (p *Proxy) ResolveOrTransfer(ctx context.Context) (message.Channel, error) {
	if p.transfer.Load() {
		return p.ctrl.Detach(ctx)
	}
	return p.resolve(ctx)
}

func (p *Proxy) resolve(ctx context.Context) (message.Channel, error) {
	reply, err := p.ctrl.Request(ctx, &message.Envelope{Type: message.ActionResolve})
	if err != nil {
		return nil, err
	}
	if reply.Type != message.ActionResolved || reply.Channel(0) == nil {
		return nil, unexpected(reply, message.ActionResolve)
	}
	return reply.Channel(0), nil
}

func (p *Proxy) String() string {
	return fmt.Sprintf("runner(%s, %s)", p.token, p.State())
}

var proxyType = reflect.TypeOf((*Proxy)(nil))

// Result is the outcome of a successful call.
type Result struct {
	bridge *Bridge
	env    *message.Envelope
	value  *message.Arg
	proxy  *Proxy
}

// Proxy returns the runner returned by the method, or nil.
func (r *Result) Proxy() *Proxy {
	return r.proxy
}

// Raw returns the JSON-encoded result, nil for runner and buffer results.
func (r *Result) Raw() json.RawMessage {
	if r.value == nil || r.value.Type != message.ArgJSON {
		return nil
	}
	return r.value.Value
}

// Decode stores the result in the value pointed to by v: JSON results are
// unmarshalled, buffer results need a **message.Buffer and runner results a
// **Proxy.
func (r *Result) Decode(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("bridge: Decode needs a non-nil pointer, got %T", v)
	}
	target := rv.Elem()

	if r.proxy != nil {
		if !proxyType.AssignableTo(target.Type()) {
			return fmt.Errorf("bridge: runner result %q cannot be stored in %s", r.proxy.token, target.Type())
		}
		target.Set(reflect.ValueOf(r.proxy))
		return nil
	}
	if r.value == nil {
		return nil
	}
	val, _, err := r.bridge.marshal.DecodeValue(context.Background(), r.env, *r.value, target.Type())
	if err != nil {
		return fmt.Errorf("bridge: decode result: %w", err)
	}
	target.Set(val)
	return nil
}
