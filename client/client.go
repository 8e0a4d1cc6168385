// Package client opens logical connections to a runner host and resolves
// runners on them.
//
// A Client drives the bootstrap channel of one carrier. Connect performs the
// PING/CONNECT handshake and returns a Connection bound to a dedicated
// resolver channel; every runner resolved through it gets a channel of its
// own.
package client

import (
	"context"
	"reflect"

	"go.uber.org/zap"

	"runner-rpc/bridge"
	"runner-rpc/controller"
	"runner-rpc/errs"
	"runner-rpc/message"
	"runner-rpc/registry"
)

type Client struct {
	reg       *registry.Registry // token ↔ type table for strict bridges
	bridge    *bridge.Bridge
	bootstrap *controller.Controller
	log       *zap.Logger
}

// Option configures a Client.
type Option func(*options)

type options struct {
	log *zap.Logger
	reg *registry.Registry
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithRegistry resolves tokens through reg. Runners registered there get
// strict bridges; everything else is bridged softly.
func WithRegistry(reg *registry.Registry) Option {
	return func(o *options) {
		if reg != nil {
			o.reg = reg
		}
	}
}

// NewClient takes ownership of the bootstrap channel ch.
func NewClient(ch message.Channel, opts ...Option) *Client {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.reg == nil {
		o.reg = registry.New()
	}
	log := o.log.With(zap.String("component", "client"))
	return &Client{
		reg:    o.reg,
		bridge: bridge.New(o.reg, bridge.WithLogger(o.log)),
		bootstrap: controller.New(ch,
			controller.WithLogger(log),
			controller.WithClosedError(func() error {
				return errs.New(errs.CodeConnectionClosed, "bootstrap connection was closed")
			}),
		),
		log: log,
	}
}

// Registry returns the registry tokens are resolved with.
func (c *Client) Registry() *registry.Registry {
	return c.reg
}

// Closed is closed once the bootstrap channel is gone.
func (c *Client) Closed() <-chan struct{} {
	return c.bootstrap.Done()
}

// Ping checks that the host answers on the bootstrap channel.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.bootstrap.Request(ctx, &message.Envelope{Type: message.ActionPing})
	if err != nil {
		return err
	}
	if reply.Type != message.ActionPong {
		return unexpected(reply, message.ActionPing)
	}
	return nil
}

// Connect opens a new logical connection.
func (c *Client) Connect(ctx context.Context) (*Connection, error) {
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	reply, err := c.bootstrap.Request(ctx, &message.Envelope{Type: message.ActionConnect})
	if err != nil {
		return nil, err
	}
	if reply.Type != message.ActionConnected || reply.Channel(0) == nil {
		return nil, unexpected(reply, message.ActionConnect)
	}
	return c.newConnection(reply.Channel(0)), nil
}

// Close closes the bootstrap channel. Open connections and proxies keep
// working as long as their carrier does.
func (c *Client) Close() error {
	return c.bootstrap.Close()
}

func (c *Client) newConnection(ch message.Channel) *Connection {
	return &Connection{
		client: c,
		ctrl: controller.New(ch,
			controller.WithLogger(c.log),
			controller.WithClosedError(func() error {
				return errs.New(errs.CodeConnectionClosed, "logical connection was closed")
			}),
		),
	}
}

// Connection is one logical connection: a resolver channel on the host.
type Connection struct {
	client *Client
	ctrl   *controller.Controller
}

// Closed is closed once the connection can no longer resolve runners.
func (c *Connection) Closed() <-chan struct{} {
	return c.ctrl.Done()
}

// Resolve constructs a runner on the host and returns a proxy to it.
// target is a token, a runner value of a registered type or its
// reflect.Type. args are marshalled like method arguments.
func (c *Connection) Resolve(ctx context.Context, target any, args ...any) (*bridge.Proxy, error) {
	token, err := c.client.tokenOf(target)
	if err != nil {
		return nil, err
	}

	payload, err := c.client.bridge.Marshaller().EncodeArgs(ctx, args)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeRunnerInit)
	}
	req := &message.Envelope{Type: message.ActionInitRunner, Token: token}
	payload.Apply(req)

	reply, err := c.ctrl.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	switch reply.Type {
	case message.ActionRunnerInited:
		ch := reply.Channel(0)
		if ch == nil {
			return nil, errs.New(errs.CodeUnexpectedAction, "%s reply without a channel", reply.Type)
		}
		if reply.Token != "" {
			token = reply.Token
		}
		return c.client.bridge.Bind(ctx, ch, token)
	case message.ActionRunnerInitError:
		return nil, errs.FromPayload(reply.Error, 1)
	}
	return nil, unexpected(reply, message.ActionInitRunner)
}

// Resolve constructs a runner of type T on conn.
func Resolve[T any](ctx context.Context, conn *Connection, args ...any) (*bridge.Proxy, error) {
	return conn.Resolve(ctx, reflect.TypeFor[T](), args...)
}

// Disconnect closes the logical connection. Runners resolved through it
// stay alive while their proxies are connected.
func (c *Connection) Disconnect(ctx context.Context) error {
	reply, err := c.ctrl.Request(ctx, &message.Envelope{Type: message.ActionDisconnect})
	if err != nil {
		return err
	}
	if reply.Type != message.ActionDisconnected {
		return unexpected(reply, message.ActionDisconnect)
	}
	c.ctrl.Finish(controller.Disconnected)
	return nil
}

// Destroy destroys every runner resolved through the connection and closes
// it. Their proxies observe DESTROYED_BY_FORCE.
func (c *Connection) Destroy(ctx context.Context) error {
	reply, err := c.ctrl.Request(ctx, &message.Envelope{Type: message.ActionDestroy})
	if err != nil {
		return err
	}
	switch reply.Type {
	case message.ActionDestroyedByRequest:
		c.ctrl.Finish(controller.Destroyed)
		return nil
	case message.ActionDestroyedWithError:
		c.ctrl.Finish(controller.Destroyed)
		return errs.FromPayload(reply.Error, 1)
	}
	return unexpected(reply, message.ActionDestroy)
}

// tokenOf maps a resolve target to its token.
func (c *Client) tokenOf(target any) (string, error) {
	switch t := target.(type) {
	case string:
		if t == "" {
			return "", errs.New(errs.CodeConstructorNotFound, "empty runner token")
		}
		return t, nil
	case reflect.Type:
		return c.tokenOfType(t)
	case nil:
		return "", errs.New(errs.CodeConstructorNotFound, "nil resolve target")
	}
	return c.tokenOfType(reflect.TypeOf(target))
}

func (c *Client) tokenOfType(t reflect.Type) (string, error) {
	if t.Kind() != reflect.Ptr {
		t = reflect.PointerTo(t)
	}
	if token, ok := c.reg.TokenOf(t); ok {
		return token, nil
	}
	if name := t.Elem().Name(); name != "" {
		return name, nil
	}
	return "", errs.New(errs.CodeConstructorNotFound, "type %s has no runner token", t)
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
