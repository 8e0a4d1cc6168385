// Package bridge builds runner proxies on top of controllers.
//
// A proxy forwards method calls as EXECUTE requests. Its method table comes
// from the registry: strict when the token is registered with a Go type,
// soft when only the token is known, in which case the method names are
// fetched once per token with REQUEST_OWN_DATA and cached.
package bridge

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"runner-rpc/controller"
	"runner-rpc/errs"
	"runner-rpc/marshal"
	"runner-rpc/message"
	"runner-rpc/registry"
)

// Bridge is safe for concurrent use.
type Bridge struct {
	reg     *registry.Registry
	log     *zap.Logger
	marshal *marshal.Marshaller
	fetch   singleflight.Group
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// New creates a bridge resolving tokens through reg.
func New(reg *registry.Registry, opts ...Option) *Bridge {
	b := &Bridge{reg: reg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	b.marshal = &marshal.Marshaller{Proxies: b.bindTransferable}
	return b
}

// Registry returns the registry the bridge resolves tokens with.
func (b *Bridge) Registry() *registry.Registry {
	return b.reg
}

// Marshaller returns the marshaller whose received runner channels become
// proxies of this bridge.
func (b *Bridge) Marshaller() *marshal.Marshaller {
	return b.marshal
}

// Bind takes ownership of ch and returns a proxy for token on it. Unknown
// tokens get a soft bridge; if fetching its method names fails, ch is closed.
func (b *Bridge) Bind(ctx context.Context, ch message.Channel, token string) (*Proxy, error) {
	p := b.newProxy(ch, token)
	if entry, ok := b.reg.Lookup(token); ok {
		p.entry = entry
		return p, nil
	}

	v, err, shared := b.fetch.Do(token, func() (any, error) {
		return b.requestOwnData(ctx, p)
	})
	if err != nil {
		p.ctrl.Close()
		return nil, err
	}
	p.entry = v.(*registry.Entry)
	b.log.Debug("bridge.Bind soft bridge", zap.String("token", token), zap.Bool("shared", shared))
	return p, nil
}

func (b *Bridge) bindTransferable(ctx context.Context, ch message.Channel, token string) (marshal.Transferable, error) {
	p, err := b.Bind(ctx, ch, token)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// bindEntry binds ch to an already known entry (clone of an existing proxy).
func (b *Bridge) bindEntry(ch message.Channel, entry *registry.Entry) *Proxy {
	p := b.newProxy(ch, entry.Token)
	p.entry = entry
	return p
}

func (b *Bridge) newProxy(ch message.Channel, token string) *Proxy {
	p := &Proxy{bridge: b, token: token}
	p.ctrl = controller.New(ch,
		controller.WithLogger(b.log.With(zap.String("token", token))),
		controller.WithClosedError(func() error {
			return errs.New(errs.CodeConnectionClosed, "runner %q: connection was closed", token)
		}),
		controller.WithUnsolicited(func(*message.Envelope) {
			b.log.Debug("bridge.proxy destroyed by force", zap.String("token", token))
		}),
	)
	return p
}

func (b *Bridge) requestOwnData(ctx context.Context, p *Proxy) (*registry.Entry, error) {
	reply, err := p.ctrl.Request(ctx, &message.Envelope{Type: message.ActionRequestOwnData})
	if err != nil {
		return nil, err
	}
	if reply.Type != message.ActionOwnData {
		return nil, unexpected(reply, message.ActionRequestOwnData)
	}
	return b.reg.Soft(p.token, reply.MethodNames), nil
}

func unexpected(reply *message.Envelope, req message.Action) error {
	for _, ch := range reply.Channels {
		_ = ch.Close()
	}
	if reply.Error != nil {
		return errs.FromPayload(reply.Error, 2)
	}
	return errs.New(errs.CodeUnexpectedAction, "unexpected %s reply to %s", reply.Type, req)
}
