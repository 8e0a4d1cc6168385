package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
)

// Entry describes one runner token.
type Entry struct {
	Token  string
	Type   reflect.Type // pointer type; nil for soft entries
	Strict bool

	ctor     reflect.Value
	ctorCtx  bool
	ctorErr  bool
	ctorArgs []reflect.Type

	methods map[string]*Method
	names   []string
}

// Method is one forwardable runner method.
type Method struct {
	Name string

	// Unset on soft entries.
	method       reflect.Method
	hasContext   bool
	argTypes     []reflect.Type
	resultType   reflect.Type
	returnsError bool
}

// MethodNames returns the forwardable method names, sorted.
func (e *Entry) MethodNames() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

// Method looks up a forwardable method.
func (e *Entry) Method(name string) (*Method, bool) {
	m, ok := e.methods[name]
	return m, ok
}

// HasConstructor reports whether instances can be built from this entry.
func (e *Entry) HasConstructor() bool {
	return e.ctor.IsValid()
}

// ConstructorArgs returns the constructor parameter types, context excluded.
func (e *Entry) ConstructorArgs() []reflect.Type {
	return e.ctorArgs
}

// Construct calls the constructor. Panics are left to the caller.
func (e *Entry) Construct(ctx context.Context, args []reflect.Value) (any, error) {
	if !e.ctor.IsValid() {
		return nil, fmt.Errorf("registry: %q has no constructor", e.Token)
	}
	if len(args) != len(e.ctorArgs) {
		return nil, fmt.Errorf("registry: %q takes %d arguments, got %d", e.Token, len(e.ctorArgs), len(args))
	}
	in := args
	if e.ctorCtx {
		in = append([]reflect.Value{reflect.ValueOf(ctx)}, args...)
	}
	out := e.ctor.Call(in)
	if e.ctorErr && !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}
	if out[0].IsNil() {
		return nil, fmt.Errorf("registry: constructor for %q returned nil", e.Token)
	}
	return out[0].Interface(), nil
}

// scanMethods fills the method table from the pointer type's method set,
// which already includes methods promoted from embedded types.
func (e *Entry) scanMethods() {
	for i := 0; i < e.Type.NumMethod(); i++ {
		m := e.Type.Method(i)
		if !m.IsExported() || Reserved(m.Name) {
			continue
		}
		if mt, ok := newMethod(m); ok {
			e.methods[m.Name] = mt
		}
	}
	e.sortNames()
}

func (e *Entry) sortNames() {
	e.names = e.names[:0]
	for name := range e.methods {
		e.names = append(e.names, name)
	}
	sort.Strings(e.names)
}

// newMethod accepts (rcvr, [ctx], args...) → (), (T), (error) or (T, error).
func newMethod(m reflect.Method) (*Method, bool) {
	ft := m.Type
	if ft.IsVariadic() {
		return nil, false
	}
	mt := &Method{Name: m.Name, method: m}

	start := 1
	if ft.NumIn() > 1 && ft.In(1) == contextType {
		mt.hasContext = true
		start = 2
	}
	for i := start; i < ft.NumIn(); i++ {
		mt.argTypes = append(mt.argTypes, ft.In(i))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			mt.returnsError = true
		} else {
			mt.resultType = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, false
		}
		mt.resultType = ft.Out(0)
		mt.returnsError = true
	default:
		return nil, false
	}
	return mt, true
}

// ArgTypes returns the parameter types, context excluded.
func (m *Method) ArgTypes() []reflect.Type {
	return m.argTypes
}

// ResultType returns the non-error result type, or nil.
func (m *Method) ResultType() reflect.Type {
	return m.resultType
}

// Callable reports whether the method can be invoked locally (strict entry).
func (m *Method) Callable() bool {
	return m.method.Func.IsValid()
}

// Call invokes the method on rcvr. The returned value is invalid when the
// method has no non-error result. Panics are left to the caller.
func (m *Method) Call(ctx context.Context, rcvr reflect.Value, args []reflect.Value) (reflect.Value, error) {
	if !m.Callable() {
		return reflect.Value{}, fmt.Errorf("registry: method %s is not callable here", m.Name)
	}
	if len(args) != len(m.argTypes) {
		return reflect.Value{}, fmt.Errorf("registry: %s takes %d arguments, got %d", m.Name, len(m.argTypes), len(args))
	}
	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, rcvr)
	if m.hasContext {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)

	out := m.method.Func.Call(in)
	var err error
	if m.returnsError {
		if last := out[len(out)-1]; !last.IsNil() {
			err = last.Interface().(error)
		}
	}
	if m.resultType == nil {
		return reflect.Value{}, err
	}
	return out[0], err
}
