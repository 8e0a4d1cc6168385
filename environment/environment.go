// Package environment hosts runner instances and serves the controllers
// connected to them.
//
// Every hosted instance is an Entry. Each channel attached to an entry is
// served by its own goroutine and has a small per-channel state kept in the
// environment's side-table: the entry it controls, a send lock and an epoch.
// INTERRUPT_LISTENING bumps the epoch under the send lock, which drops the
// replies of calls still running for the previous owner of the channel.
//
// Each EXECUTE runs on its own goroutine, so a method that blocks only delays
// its own reply.
package environment

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"runner-rpc/bridge"
	"runner-rpc/errs"
	"runner-rpc/marshal"
	"runner-rpc/message"
	"runner-rpc/middleware"
	"runner-rpc/registry"
	"runner-rpc/transport"
)

// Environment is safe for concurrent use.
type Environment struct {
	reg     *registry.Registry
	bridge  *bridge.Bridge
	marshal *marshal.Marshaller
	handler middleware.HandlerFunc
	log     *zap.Logger

	ctx    context.Context // parent of every method call
	cancel context.CancelFunc

	mu        sync.Mutex
	entries   map[*Entry]struct{}
	instances map[any]*Entry
	ports     map[message.Channel]*port // side-table: channel → per-channel state
	resolvers map[*Resolver]struct{}
	closed    bool
	wg        sync.WaitGroup
}

type options struct {
	log         *zap.Logger
	middlewares []middleware.Middleware
}

// Option configures an Environment.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMiddleware appends EXECUTE middleware. Panic recovery is always the
// outermost layer.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mw...) }
}

// New creates an environment constructing runners from reg.
func New(reg *registry.Registry, opts ...Option) *Environment {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Environment{
		reg:       reg,
		bridge:    bridge.New(reg, bridge.WithLogger(o.log)),
		log:       o.log.With(zap.String("component", "environment")),
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[*Entry]struct{}),
		instances: make(map[any]*Entry),
		ports:     make(map[message.Channel]*port),
		resolvers: make(map[*Resolver]struct{}),
	}
	e.marshal = &marshal.Marshaller{
		Proxies: e.bridge.Marshaller().Proxies,
		Expose:  e.expose,
	}
	chain := append([]middleware.Middleware{middleware.RecoverMiddleware()}, o.middlewares...)
	e.handler = middleware.Chain(chain...)(e.invoke)
	return e
}

// Registry returns the registry runners are constructed from.
func (e *Environment) Registry() *registry.Registry {
	return e.reg
}

// Channels returns the number of channels currently served.
func (e *Environment) Channels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ports)
}

// Len returns the number of live entries.
func (e *Environment) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Construct builds a runner for token from the arguments carried by req.
// Proxies received as arguments belong to the new entry; if construction
// fails they are all disconnected and the failures combined.
func (e *Environment) Construct(ctx context.Context, token string, req *message.Envelope) (*Entry, error) {
	re, ok := e.reg.Lookup(token)
	if !ok || !re.HasConstructor() {
		for _, ch := range req.Channels {
			_ = ch.Close()
		}
		return nil, errs.New(errs.CodeConstructorNotFound, "no constructor registered for %q", token)
	}

	decoded, err := e.marshal.DecodeArgs(ctx, req, re.ConstructorArgs())
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeRunnerInit)
	}

	instance, err := construct(e.ctx, re, decoded.Values)
	if err != nil {
		cause := errs.Wrap(err, errs.CodeRunnerInit)
		if cleanup := marshal.Release(ctx, decoded.Proxies); cleanup != nil {
			return nil, errs.Combine(errs.CodeRunnerInit, fmt.Sprintf("constructing %q", token), cause, cleanup)
		}
		return nil, cause
	}

	entry, err := e.host(re, instance)
	if err != nil {
		_ = marshal.Release(ctx, decoded.Proxies)
		return nil, err
	}
	entry.proxies = decoded.Proxies
	return entry, nil
}

func construct(ctx context.Context, re *registry.Entry, args []reflect.Value) (instance any, err error) {
	defer func() {
		if v := recover(); v != nil {
			instance, err = nil, errs.Recover(v, errs.CodeRunnerInit)
		}
	}()
	return re.Construct(ctx, args)
}

// Host adopts an instance built outside the environment. Its type must be
// registered.
func (e *Environment) Host(instance any) (*Entry, error) {
	re, ok := e.reg.EntryOf(reflect.TypeOf(instance))
	if !ok {
		return nil, errs.New(errs.CodeConstructorNotFound, "type %T is not registered", instance)
	}
	return e.host(re, instance)
}

func (e *Environment) host(re *registry.Entry, instance any) (*Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errs.Closed()
	}
	if existing, ok := e.instances[instance]; ok {
		return existing, nil
	}
	entry := &Entry{
		env:      e,
		Token:    re.Token,
		Instance: instance,
		reg:      re,
		ports:    make(map[*port]struct{}),
	}
	e.entries[entry] = struct{}{}
	e.instances[instance] = entry
	e.log.Debug("environment.host", zap.String("token", re.Token))
	return entry, nil
}

// Open creates an in-process channel pair, attaches one end to entry and
// returns the other for a controller.
func (e *Environment) Open(entry *Entry) (message.Channel, error) {
	local, remote := transport.Pipe()
	if err := e.Attach(entry, local); err != nil {
		_ = local.Close()
		return nil, err
	}
	return remote, nil
}

// Attach starts serving ch as a control channel of entry.
func (e *Environment) Attach(entry *Entry, ch message.Channel) error {
	p := &port{ch: ch, entry: entry}

	entry.mu.Lock()
	if entry.destroyed {
		entry.mu.Unlock()
		return errs.Closed()
	}
	entry.ports[p] = struct{}{}
	entry.mu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		entry.forget(p)
		return errs.Closed()
	}
	e.ports[ch] = p
	e.wg.Add(1)
	e.mu.Unlock()

	go e.serve(p)
	return nil
}

// expose hosts a runner instance returned by a method. Runners are always
// pointers; anything else is a plain value and may not even be hashable.
func (e *Environment) expose(ctx context.Context, v any) (message.Channel, string, bool, error) {
	if rv := reflect.ValueOf(v); rv.Kind() != reflect.Ptr || rv.IsNil() {
		return nil, "", false, nil
	}
	e.mu.Lock()
	entry, hosted := e.instances[v]
	e.mu.Unlock()
	if !hosted {
		re, ok := e.reg.EntryOf(reflect.TypeOf(v))
		if !ok || !re.Strict {
			return nil, "", false, nil
		}
		var err error
		if entry, err = e.host(re, v); err != nil {
			return nil, "", false, err
		}
	}
	ch, err := e.Open(entry)
	if err != nil {
		return nil, "", false, err
	}
	return ch, entry.Token, true, nil
}

// Close destroys every entry, disconnecting their controllers by force, and
// waits for the channel goroutines to finish.
func (e *Environment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	entries := make([]*Entry, 0, len(e.entries))
	for entry := range e.entries {
		entries = append(entries, entry)
	}
	resolvers := make([]*Resolver, 0, len(e.resolvers))
	for r := range e.resolvers {
		resolvers = append(resolvers, r)
	}
	e.mu.Unlock()

	for _, r := range resolvers {
		r.close()
	}
	var failures []error
	for _, entry := range entries {
		if err := entry.destroy(context.Background(), nil); err != nil {
			failures = append(failures, err)
		}
	}
	e.cancel()
	e.wg.Wait()
	return errs.Combine(errs.CodeDestroy, "closing environment", failures...)
}

func (e *Environment) remove(entry *Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, entry)
	if e.instances[entry.Instance] == entry {
		delete(e.instances, entry.Instance)
	}
}

func (e *Environment) dropPort(p *port) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ports[p.ch] == p {
		delete(e.ports, p.ch)
	}
}

func (e *Environment) dropResolver(r *Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.resolvers, r)
}
