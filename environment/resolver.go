package environment

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"runner-rpc/errs"
	"runner-rpc/message"
)

// Resolver serves one logical connection: it constructs runners on
// INIT_RUNNER and hands back a dedicated channel per runner. DESTROY on the
// resolver channel destroys every runner created through it; DISCONNECT only
// closes the resolver channel.
type Resolver struct {
	env *Environment
	ch  message.Channel
	log *zap.Logger

	sendMu  sync.Mutex
	mu      sync.Mutex
	entries map[*Entry]struct{}
	closed  bool
	done    chan struct{}
}

// Resolve starts serving ch as a resolver channel.
func (e *Environment) Resolve(ch message.Channel) *Resolver {
	r := &Resolver{
		env:     e,
		ch:      ch,
		log:     e.log.With(zap.String("component", "resolver")),
		entries: make(map[*Entry]struct{}),
		done:    make(chan struct{}),
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		r.close()
		close(r.done)
		return r
	}
	e.resolvers[r] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	go r.serve()
	return r
}

// Done is closed once the resolver channel is gone.
func (r *Resolver) Done() <-chan struct{} {
	return r.done
}

// Len returns the number of live runners created through r.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Resolver) serve() {
	defer r.env.wg.Done()
	defer r.env.dropResolver(r)
	defer close(r.done)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		env, err := r.ch.Recv(context.Background())
		if err != nil {
			r.close()
			return
		}
		switch env.Type {
		case message.ActionInitRunner:
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				r.send(r.initRunner(env))
			}()

		case message.ActionDisconnect:
			r.send(&message.Envelope{Type: message.ActionDisconnected, ID: env.ID})
			r.close()
			return

		case message.ActionDestroy:
			inflight.Wait()
			reply := &message.Envelope{Type: message.ActionDestroyedByRequest, ID: env.ID}
			if err := r.destroyAll(r.env.ctx); err != nil {
				reply.Type = message.ActionDestroyedWithError
				reply.Error = errs.Normalize(err, errs.CodeDestroy)
			}
			r.send(reply)
			r.close()
			return

		case message.ActionPing:
			r.send(&message.Envelope{Type: message.ActionPong, ID: env.ID})

		default:
			r.log.Warn("resolver.serve unexpected action", zap.String("type", string(env.Type)))
			release(env)
			if env.ID != 0 {
				r.send(&message.Envelope{
					Type:  message.ActionRunnerInitError,
					ID:    env.ID,
					Error: errs.Normalize(errs.New(errs.CodeUnexpectedAction, "unexpected action %s", env.Type), errs.CodeUnexpectedAction),
				})
			}
		}
	}
}

func (r *Resolver) initRunner(req *message.Envelope) *message.Envelope {
	fail := func(err error) *message.Envelope {
		return &message.Envelope{
			Type:  message.ActionRunnerInitError,
			ID:    req.ID,
			Error: errs.Normalize(err, errs.CodeRunnerInit),
		}
	}

	entry, err := r.env.Construct(r.env.ctx, req.Token, req)
	if err != nil {
		r.log.Debug("resolver.initRunner failed", zap.String("token", req.Token), zap.Error(err))
		return fail(err)
	}
	ch, err := r.env.Open(entry)
	if err != nil {
		_ = entry.destroy(r.env.ctx, nil)
		return fail(err)
	}

	r.mu.Lock()
	r.entries[entry] = struct{}{}
	r.mu.Unlock()
	entry.OnDestroy(r.forget)

	return &message.Envelope{
		Type:     message.ActionRunnerInited,
		ID:       req.ID,
		Token:    entry.Token,
		Channels: []message.Channel{ch},
	}
}

func (r *Resolver) forget(entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, entry)
}

// destroyAll destroys the runners created through r concurrently and keeps
// every failure.
func (r *Resolver) destroyAll(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	var (
		mu       sync.Mutex
		failures []error
		g        errgroup.Group
	)
	for _, entry := range entries {
		g.Go(func() error {
			if err := entry.destroy(ctx, nil); err != nil && !errors.Is(err, errs.ErrConnectionClosed) {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs.Combine(errs.CodeDestroy, "destroying resolver runners", failures...)
}

func (r *Resolver) send(env *message.Envelope) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.isClosed() {
		release(env)
		return
	}
	if err := r.ch.Send(context.Background(), env); err != nil {
		release(env)
	}
}

func (r *Resolver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Resolver) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	_ = r.ch.Close()
}
