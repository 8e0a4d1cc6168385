// Package marshal converts method arguments and results between Go values and
// envelopes.
//
// Every position is tagged:
//
//   - JSON: copied through encoding/json.
//   - RUNNER_INSTANCE: a proxy. The proxy decides between cloning its control
//     (a new independent channel) and transferring its own channel; either
//     way a channel travels next to the envelope.
//   - TRANSFER: a *message.Buffer. Its bytes move to the receiver and the
//     sender's Buffer is detached.
package marshal

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"runner-rpc/errs"
	"runner-rpc/message"
)

// Transferable is the narrow view of a proxy that marshalling needs.
type Transferable interface {
	Token() string
	// ResolveOrTransfer returns a channel for the receiver: a clone of the
	// control, or the proxy's own channel when it was marked for transfer.
	ResolveOrTransfer(ctx context.Context) (message.Channel, error)
	Disconnect(ctx context.Context) error
}

// ProxyFactory binds a received channel to a new proxy for token.
type ProxyFactory func(ctx context.Context, ch message.Channel, token string) (Transferable, error)

// ExposeFunc turns a local runner instance into a channel the peer can
// control. ok is false when v is not a registered runner.
type ExposeFunc func(ctx context.Context, v any) (ch message.Channel, token string, ok bool, err error)

var (
	bufferType       = reflect.TypeOf((*message.Buffer)(nil))
	transferableType = reflect.TypeOf((*Transferable)(nil)).Elem()
)

// Marshaller is stateless apart from its hooks and safe for concurrent use.
type Marshaller struct {
	Proxies ProxyFactory
	// Expose is optional and only consulted for results; without it a
	// returned runner instance travels as JSON.
	Expose ExposeFunc
}

// Payload is the encoded form of an argument list.
type Payload struct {
	Args     []message.Arg
	Channels []message.Channel
	Buffers  [][]byte
}

// Apply moves the payload into env.
func (p *Payload) Apply(env *message.Envelope) {
	env.Args = p.Args
	env.Channels = p.Channels
	env.Buffers = p.Buffers
}

// Discard closes the channels of a payload that was never sent.
func (p *Payload) Discard() {
	for _, ch := range p.Channels {
		_ = ch.Close()
	}
	p.Channels = nil
}

// EncodeArgs walks args once. Plain values are encoded first so a bad value
// fails before any proxy is resolved or any buffer detached.
func (m *Marshaller) EncodeArgs(ctx context.Context, args []any) (*Payload, error) {
	p := &Payload{Args: make([]message.Arg, len(args))}

	kinds := make([]kind, len(args))
	for i, v := range args {
		kinds[i] = classify(v)
		if kinds[i] != kindPlain {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal: argument %d: %w", i, err)
		}
		p.Args[i] = message.Arg{Type: message.ArgJSON, Value: raw}
	}

	for i, v := range args {
		if kinds[i] != kindProxy {
			continue
		}
		t := v.(Transferable)
		ch, err := t.ResolveOrTransfer(ctx)
		if err != nil {
			p.Discard()
			return nil, fmt.Errorf("marshal: argument %d: %w", i, err)
		}
		p.Args[i] = message.Arg{Type: message.ArgRunnerInstance, Token: t.Token(), Index: len(p.Channels)}
		p.Channels = append(p.Channels, ch)
	}

	for i, v := range args {
		if kinds[i] != kindBuffer {
			continue
		}
		data, err := v.(*message.Buffer).Detach()
		if err != nil {
			p.Discard()
			return nil, fmt.Errorf("marshal: argument %d: %w", i, err)
		}
		p.Args[i] = message.Arg{Type: message.ArgTransfer, Index: len(p.Buffers)}
		p.Buffers = append(p.Buffers, data)
	}
	return p, nil
}

// EncodeResult builds the EXECUTED or EXECUTED_WITH_RUNNER_RESULT reply for
// a method result. v is nil for methods without a result. A result that is a
// local runner instance is exposed through Expose.
func (m *Marshaller) EncodeResult(ctx context.Context, v any) (*message.Envelope, error) {
	if m.Expose != nil && classify(v) == kindPlain && v != nil {
		ch, token, ok, err := m.Expose(ctx, v)
		if err != nil {
			return nil, err
		}
		if ok {
			return &message.Envelope{
				Type:     message.ActionExecutedWithRunnerResult,
				Token:    token,
				Channels: []message.Channel{ch},
			}, nil
		}
	}
	p, err := m.EncodeArgs(ctx, []any{v})
	if err != nil {
		return nil, err
	}
	arg := p.Args[0]
	if arg.Type == message.ArgRunnerInstance {
		return &message.Envelope{
			Type:     message.ActionExecutedWithRunnerResult,
			Token:    arg.Token,
			Channels: p.Channels,
		}, nil
	}
	return &message.Envelope{
		Type:    message.ActionExecuted,
		Value:   &arg,
		Buffers: p.Buffers,
	}, nil
}

// Decoded is the result of DecodeArgs.
type Decoded struct {
	Values []reflect.Value
	// Proxies created while decoding. If the consumer of Values fails, they
	// must be released.
	Proxies []Transferable
}

// DecodeArgs materializes env.Args into values of the given types. On
// failure every proxy created so far is disconnected and every channel not
// yet bound is closed; cleanup failures are combined with the cause.
func (m *Marshaller) DecodeArgs(ctx context.Context, env *message.Envelope, types []reflect.Type) (*Decoded, error) {
	if len(env.Args) != len(types) {
		closeUnbound(env, nil)
		return nil, fmt.Errorf("marshal: want %d arguments, got %d", len(types), len(env.Args))
	}
	d := &Decoded{Values: make([]reflect.Value, len(types))}
	bound := make(map[int]bool)

	for i, arg := range env.Args {
		v, err := m.decode(ctx, env, arg, types[i], d, bound)
		if err != nil {
			closeUnbound(env, bound)
			cause := fmt.Errorf("marshal: argument %d: %w", i, err)
			if cleanup := Release(ctx, d.Proxies); cleanup != nil {
				return nil, errs.Combine(errs.CodeRunnerInit, fmt.Sprintf("decoding argument %d", i), cause, cleanup)
			}
			return nil, cause
		}
		d.Values[i] = v
	}
	return d, nil
}

// DecodeValue materializes a single value (a method result) into t.
func (m *Marshaller) DecodeValue(ctx context.Context, env *message.Envelope, arg message.Arg, t reflect.Type) (reflect.Value, Transferable, error) {
	d := &Decoded{}
	v, err := m.decode(ctx, env, arg, t, d, make(map[int]bool))
	if err != nil {
		return reflect.Value{}, nil, err
	}
	if len(d.Proxies) > 0 {
		return v, d.Proxies[0], nil
	}
	return v, nil, nil
}

func (m *Marshaller) decode(ctx context.Context, env *message.Envelope, arg message.Arg, t reflect.Type, d *Decoded, bound map[int]bool) (reflect.Value, error) {
	switch arg.Type {
	case message.ArgJSON, "":
		ptr := reflect.New(t)
		if len(arg.Value) > 0 {
			if err := json.Unmarshal(arg.Value, ptr.Interface()); err != nil {
				return reflect.Value{}, err
			}
		}
		return ptr.Elem(), nil

	case message.ArgTransfer:
		if arg.Index < 0 || arg.Index >= len(env.Buffers) {
			return reflect.Value{}, fmt.Errorf("transfer index %d out of range", arg.Index)
		}
		buf := reflect.ValueOf(message.NewBuffer(env.Buffers[arg.Index]))
		if !bufferType.AssignableTo(t) {
			return reflect.Value{}, fmt.Errorf("cannot assign %s to %s", bufferType, t)
		}
		return buf.Convert(t), nil

	case message.ArgRunnerInstance:
		ch := env.Channel(arg.Index)
		if ch == nil || bound[arg.Index] {
			return reflect.Value{}, fmt.Errorf("runner %q: no channel at index %d", arg.Token, arg.Index)
		}
		if m.Proxies == nil {
			return reflect.Value{}, fmt.Errorf("runner %q: no proxy factory", arg.Token)
		}
		bound[arg.Index] = true
		proxy, err := m.Proxies(ctx, ch, arg.Token)
		if err != nil {
			_ = ch.Close()
			return reflect.Value{}, err
		}
		d.Proxies = append(d.Proxies, proxy)
		pv := reflect.ValueOf(proxy)
		if !pv.Type().AssignableTo(t) {
			return reflect.Value{}, fmt.Errorf("cannot assign %s proxy to %s", arg.Token, t)
		}
		return pv.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("unknown argument type %q", arg.Type)
}

// Release disconnects proxies without stopping at the first failure. The
// returned error, if any, aggregates every failure.
func Release(ctx context.Context, proxies []Transferable) error {
	var failures []error
	for _, p := range proxies {
		if err := p.Disconnect(ctx); err != nil {
			failures = append(failures, err)
		}
	}
	return errs.Combine(errs.CodeRunnerInit, "releasing argument runners", failures...)
}

func closeUnbound(env *message.Envelope, bound map[int]bool) {
	for i, ch := range env.Channels {
		if ch != nil && !bound[i] {
			_ = ch.Close()
		}
	}
}

type kind int

const (
	kindPlain kind = iota
	kindProxy
	kindBuffer
)

func classify(v any) kind {
	switch x := v.(type) {
	case *message.Buffer:
		if x != nil {
			return kindBuffer
		}
	case Transferable:
		if rv := reflect.ValueOf(x); rv.Kind() != reflect.Ptr || !rv.IsNil() {
			return kindProxy
		}
	}
	return kindPlain
}

// IsTransferable reports whether t can hold a proxy.
func IsTransferable(t reflect.Type) bool {
	return t.Implements(transferableType)
}
