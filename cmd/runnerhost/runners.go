package main

import (
	"context"
	"fmt"
	"sync"

	"runner-rpc/message"
	"runner-rpc/server"
)

// Counter is a stateful example runner.
type Counter struct {
	mu    sync.Mutex
	value int
}

func NewCounter(start int) *Counter {
	return &Counter{value: start}
}

func (c *Counter) Increment() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

func (c *Counter) Add(ctx context.Context, d int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += d
	return c.value, nil
}

func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Echo returns its payload; the buffer is moved, not copied.
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Bytes(b *message.Buffer) (*message.Buffer, error) {
	data, err := b.Detach()
	if err != nil {
		return nil, err
	}
	return message.NewBuffer(data), nil
}

func (e *Echo) Greet(name string) string {
	return fmt.Sprintf("hello, %s", name)
}

func registerRunners(svr *server.Server) error {
	if err := svr.Register(NewCounter); err != nil {
		return err
	}
	return svr.Register(NewEcho)
}
