package environment_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"runner-rpc/bridge"
	"runner-rpc/errs"
	"runner-rpc/message"
)

type Counter struct {
	mu    sync.Mutex
	value int
	hooks atomic.Int32

	started chan struct{}
	release chan struct{}
}

func NewCounter(start int) *Counter {
	return &Counter{value: start, started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (c *Counter) Increment() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

func (c *Counter) Add(ctx context.Context, d int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += d
	return c.value, nil
}

func (c *Counter) Boom() error {
	return errors.New("boom")
}

func (c *Counter) Panic() int {
	panic("kaboom")
}

func (c *Counter) Typed() error {
	return errs.New(errs.CodeDestroy, "already typed")
}

// Block returns once the test releases it.
func (c *Counter) Block() {
	c.started <- struct{}{}
	<-c.release
}

func (c *Counter) Spawn(start int) *Counter {
	return NewCounter(start)
}

func (c *Counter) Reverse(b *message.Buffer) (*message.Buffer, error) {
	data, err := b.Detach()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
		data[i], data[j] = data[j], data[i]
	}
	return message.NewBuffer(data), nil
}

func (c *Counter) Destroy() error {
	c.hooks.Add(1)
	return nil
}

// Holder takes runners as method arguments.
type Holder struct{}

func NewHolder() *Holder { return &Holder{} }

// Adopt increments p once and releases it.
func (h *Holder) Adopt(ctx context.Context, p *bridge.Proxy) (int, error) {
	n, err := bridge.Call[int](ctx, p, "Increment")
	if err != nil {
		return 0, err
	}
	return n, p.Disconnect(ctx)
}

// Keeper holds the runner it was constructed with.
type Keeper struct {
	peer *bridge.Proxy
}

func NewKeeper(peer *bridge.Proxy) *Keeper { return &Keeper{peer: peer} }

func (k *Keeper) Bump(ctx context.Context) (int, error) {
	return bridge.Call[int](ctx, k.peer, "Increment")
}

// Broken fails in its constructor.
type Broken struct{}

func NewBroken(peer *bridge.Proxy) (*Broken, error) {
	return nil, errors.New("refusing to start")
}

// Lister returns plain values that are not runners.
type Lister struct{}

func NewLister() *Lister { return &Lister{} }

type Report struct {
	Items []string
	Total int
}

func (l *Lister) List() []int { return []int{1, 2, 3} }

func (l *Lister) Counts() map[string]int { return map[string]int{"a": 1, "b": 2} }

func (l *Lister) Report() Report { return Report{Items: []string{"x", "y"}, Total: 2} }

func (l *Lister) Missing() *Counter { return nil }

// Faulty fails in its teardown hook.
type Faulty struct{}

func NewFaulty() *Faulty { return &Faulty{} }

func (f *Faulty) Ping() string { return "pong" }

func (f *Faulty) Destroy() error {
	return errors.New("hook failed")
}

// Pair owns two runners received at construction and fails its own hook.
type Pair struct {
	left, right *bridge.Proxy
}

func NewPair(left, right *bridge.Proxy) *Pair { return &Pair{left: left, right: right} }

func (p *Pair) Ping() string { return "pong" }

func (p *Pair) Destroy() error {
	return errors.New("pair hook failed")
}
