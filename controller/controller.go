// Package controller implements the caller side of one runner connection.
//
// A Controller owns one channel and multiplexes many requests over it. Every
// request gets a strictly increasing correlation id; a single goroutine
// (recvLoop) reads replies and routes each one to the caller waiting on that
// id, so replies may arrive in any order.
//
//	goroutine-1 ──Request(id=1)──┐
//	goroutine-2 ──Request(id=2)──┼──→ channel ──→ Environment
//	goroutine-3 ──Request(id=3)──┘
//
//	recvLoop: ←── reply(id=2) → pending[2] ← reply → goroutine-2 wakes up
//
// Once the controller stops listening, for whatever reason, every pending
// request is rejected with the closed-connection error.
package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"runner-rpc/errs"
	"runner-rpc/message"
)

// State is the lifecycle state of a controller.
type State int32

const (
	Connected State = iota
	Disconnected
	Destroyed
	// Detached: the channel was handed to a new owner.
	Detached
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Destroyed:
		return "destroyed"
	case Detached:
		return "detached"
	}
	return "unknown"
}

type result struct {
	env *message.Envelope
	err error
}

// Controller is safe for concurrent use.
type Controller struct {
	ch          message.Channel
	log         *zap.Logger
	closedErr   errs.ClosedFactory
	unsolicited func(*message.Envelope)

	seq atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]chan result // each request waits on its own buffered chan
	state    State
	stopped  bool
	done     chan struct{}
	loopDone chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClosedError replaces the error used to reject requests once the
// connection is gone.
func WithClosedError(f errs.ClosedFactory) Option {
	return func(c *Controller) {
		if f != nil {
			c.closedErr = f
		}
	}
}

// WithUnsolicited registers a callback for DESTROYED_BY_FORCE. It runs on
// the read goroutine after the controller has stopped.
func WithUnsolicited(fn func(*message.Envelope)) Option {
	return func(c *Controller) { c.unsolicited = fn }
}

// New takes ownership of ch and starts listening on it.
func New(ch message.Channel, opts ...Option) *Controller {
	c := &Controller{
		ch:        ch,
		log:       zap.NewNop(),
		closedErr: errs.Closed,
		pending:   make(map[uint64]chan result),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.recvLoop()
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the controller stopped listening.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// ClosedError returns a fresh closed-connection error from the factory.
func (c *Controller) ClosedError() error {
	return c.closedErr()
}

// Request sends env with a fresh correlation id and waits for its reply.
// Channels attached to env move to the peer on a successful send and are
// closed otherwise. Cancelling
// ctx abandons the wait only; the peer still processes the request.
func (c *Controller) Request(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	id := c.seq.Add(1)
	env.ID = id
	wait := make(chan result, 1) // buffered so recvLoop never blocks on a gone caller

	// Register BEFORE sending to avoid racing recvLoop.
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		release(env)
		return nil, c.closedErr()
	}
	c.pending[id] = wait
	c.mu.Unlock()

	if err := c.ch.Send(ctx, env); err != nil {
		c.forget(id)
		release(env) // a failed send moves nothing
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.log.Debug("controller.Request send failed", zap.String("type", string(env.Type)), zap.Error(err))
		return nil, c.closedErr()
	}

	select {
	case r := <-wait:
		return r.env, r.err
	case <-ctx.Done():
		if _, ok := c.take(id); !ok {
			// recvLoop or stop already claimed the waiter; its result is on the way
			r := <-wait
			return r.env, r.err
		}
		return nil, ctx.Err()
	}
}

// Detach interrupts listening without closing the channel and returns it, so
// it can be handed to a new owner. The environment acknowledges the
// interrupt; nothing for earlier requests follows the acknowledgement, and
// reading stops right after it. Pending requests are rejected.
func (c *Controller) Detach(ctx context.Context) (message.Channel, error) {
	reply, err := c.Request(ctx, &message.Envelope{Type: message.ActionInterruptListening})
	if err != nil {
		return nil, err
	}
	if reply.Type != message.ActionListeningInterrupted {
		return nil, errs.New(errs.CodeUnexpectedAction, "unexpected %s reply to %s", reply.Type, message.ActionInterruptListening)
	}
	<-c.loopDone
	return c.ch, nil
}

// Finish records a terminal state reported by the peer, stops listening and
// closes the channel.
func (c *Controller) Finish(state State) {
	c.stop(state, true)
}

// Close stops listening and closes the channel.
func (c *Controller) Close() error {
	c.stop(Disconnected, true)
	return nil
}

func (c *Controller) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// stop moves to a terminal state once and rejects everything pending.
func (c *Controller) stop(state State, closeChannel bool) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.state = state
	pending := c.pending
	c.pending = make(map[uint64]chan result)
	close(c.done)
	c.mu.Unlock()

	for _, wait := range pending {
		wait <- result{err: c.closedErr()}
	}
	if closeChannel {
		_ = c.ch.Close()
	}
}

// recvLoop is the only reader of the channel while the controller owns it.
func (c *Controller) recvLoop() {
	defer close(c.loopDone)
	ctx := context.Background()
	for {
		env, err := c.ch.Recv(ctx)
		if err != nil {
			c.log.Debug("controller.recvLoop channel ended", zap.Error(err))
			c.stop(Disconnected, true)
			return
		}

		switch env.Type {
		case message.ActionDestroyedByForce:
			c.log.Debug("controller.recvLoop destroyed by force")
			c.stop(Destroyed, true)
			if c.unsolicited != nil {
				c.unsolicited(env)
			}
			return
		case message.ActionListeningInterrupted:
			wait, ok := c.take(env.ID)
			c.stop(Detached, false)
			if ok {
				wait <- result{env: env}
			}
			return
		}

		wait, ok := c.take(env.ID)
		if !ok {
			c.log.Debug("controller.recvLoop dropped reply without a waiter",
				zap.String("type", string(env.Type)), zap.Uint64("id", env.ID))
			release(env)
			continue
		}
		wait <- result{env: env}
	}
}

func (c *Controller) take(id uint64) (chan result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wait, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return wait, ok
}

// release closes channels carried by an envelope nobody will consume.
func release(env *message.Envelope) {
	for _, ch := range env.Channels {
		if ch != nil {
			_ = ch.Close()
		}
	}
}

// IsClosed reports whether err rejects a request because the connection is
// gone.
func IsClosed(err error) bool {
	return errors.Is(err, errs.ErrConnectionClosed)
}
