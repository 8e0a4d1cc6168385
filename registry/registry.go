// Package registry maps runner tokens to Go types, constructors and method
// tables.
//
// Each side of a connection keeps its own Registry; tokens are the only thing
// the two sides must agree on. A token is either given explicitly
// (WithToken) or derived from the runner's type name, so both sides derive
// the same token from the same type.
//
// Strict entries know the concrete type and enumerate its methods eagerly,
// including methods promoted from embedded types. Soft entries only know a
// token and a method-name list fetched from the remote side.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Names defined by the proxy itself. Runner methods with these names are
// never forwarded; a runner's Destroy method is its teardown hook instead.
var reserved = map[string]struct{}{
	"Disconnect":      {},
	"Destroy":         {},
	"CloneControl":    {},
	"MarkForTransfer": {},
}

// Reserved reports whether name belongs to the base proxy operations.
func Reserved(name string) bool {
	_, ok := reserved[name]
	return ok
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byToken map[string]*Entry
	byType  map[reflect.Type]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byToken: make(map[string]*Entry),
		byType:  make(map[reflect.Type]*Entry),
	}
}

type entryOptions struct {
	token string
}

// Option customizes a registration.
type Option func(*entryOptions)

// WithToken overrides the token derived from the type name.
func WithToken(token string) Option {
	return func(o *entryOptions) { o.token = token }
}

// Register registers a runner constructor. Accepted shapes:
//
//	func(args...) *T
//	func(args...) (*T, error)
//	func(ctx context.Context, args...) *T
//	func(ctx context.Context, args...) (*T, error)
func (r *Registry) Register(ctor any, opts ...Option) (*Entry, error) {
	fn := reflect.ValueOf(ctor)
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("registry: constructor must be a func, got %T", ctor)
	}
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("registry: variadic constructors are not supported")
	}
	if ft.NumOut() == 0 || ft.NumOut() > 2 || (ft.NumOut() == 2 && ft.Out(1) != errorType) {
		return nil, fmt.Errorf("registry: constructor must return *T or (*T, error), got %s", ft)
	}

	e, err := newEntry(ft.Out(0), opts)
	if err != nil {
		return nil, err
	}
	e.ctor = fn
	e.ctorErr = ft.NumOut() == 2
	start := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		e.ctorCtx = true
		start = 1
	}
	for i := start; i < ft.NumIn(); i++ {
		e.ctorArgs = append(e.ctorArgs, ft.In(i))
	}
	return r.add(e)
}

// RegisterType registers a runner type without a constructor, which is all
// the calling side needs for a strict bridge. sample is a reflect.Type or a
// (possibly nil) pointer to the runner, e.g. (*Counter)(nil).
func (r *Registry) RegisterType(sample any, opts ...Option) (*Entry, error) {
	t, ok := sample.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(sample)
	}
	if t == nil {
		return nil, fmt.Errorf("registry: nil sample")
	}
	e, err := newEntry(t, opts)
	if err != nil {
		return nil, err
	}
	return r.add(e)
}

func (r *Registry) add(e *Entry) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byToken[e.Token]; ok && prev.Type != nil && prev.Type != e.Type {
		return nil, fmt.Errorf("registry: token %q already registered for %s", e.Token, prev.Type)
	}
	if prev, ok := r.byType[e.Type]; ok && prev.Token != e.Token {
		return nil, fmt.Errorf("registry: %s already registered as %q", e.Type, prev.Token)
	}
	if prev, ok := r.byToken[e.Token]; ok && prev.ctor.IsValid() && !e.ctor.IsValid() {
		// a type-only registration never hides a constructor
		return prev, nil
	}
	r.byToken[e.Token] = e
	r.byType[e.Type] = e
	return e, nil
}

// Lookup returns the entry for token.
func (r *Registry) Lookup(token string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byToken[token]
	return e, ok
}

// TokenOf returns the token registered for t (a runner pointer type).
func (r *Registry) TokenOf(t reflect.Type) (string, bool) {
	if e, ok := r.EntryOf(t); ok {
		return e.Token, true
	}
	return "", false
}

// EntryOf returns the strict entry registered for t.
func (r *Registry) EntryOf(t reflect.Type) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[t]
	return e, ok
}

// Soft returns the entry for token, creating and caching a soft entry from
// names when the token is unknown. Reserved names are dropped.
func (r *Registry) Soft(token string, names []string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byToken[token]; ok {
		return e
	}
	e := &Entry{Token: token, methods: make(map[string]*Method)}
	for _, name := range names {
		if Reserved(name) {
			continue
		}
		e.methods[name] = &Method{Name: name}
	}
	e.sortNames()
	r.byToken[token] = e
	return e
}

// Tokens lists every registered token, sorted.
func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byToken))
	for token := range r.byToken {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

func newEntry(t reflect.Type, opts []Option) (*Entry, error) {
	if t.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("registry: runner must be a pointer, got %s", t.Kind())
	}
	var o entryOptions
	for _, opt := range opts {
		opt(&o)
	}
	token := o.token
	if token == "" {
		token = t.Elem().Name()
	}
	if token == "" {
		return nil, fmt.Errorf("registry: cannot derive a token for unnamed type %s", t)
	}

	e := &Entry{
		Token:   token,
		Type:    t,
		Strict:  true,
		methods: make(map[string]*Method),
	}
	e.scanMethods()
	return e, nil
}
