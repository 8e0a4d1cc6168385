package environment

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"runner-rpc/errs"
	"runner-rpc/marshal"
	"runner-rpc/message"
	"runner-rpc/registry"
)

// Entry is one hosted runner instance.
type Entry struct {
	env      *Environment
	Token    string
	Instance any
	reg      *registry.Entry

	mu        sync.Mutex
	ports     map[*port]struct{}
	proxies   []marshal.Transferable // received as constructor arguments
	destroyed bool
	onDestroy []func(*Entry)
}

// Channels returns the number of attached control channels.
func (en *Entry) Channels() int {
	en.mu.Lock()
	defer en.mu.Unlock()
	return len(en.ports)
}

// Destroyed reports whether the entry has been torn down.
func (en *Entry) Destroyed() bool {
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.destroyed
}

// OnDestroy registers fn to run once the entry is torn down. fn runs
// immediately if that already happened.
func (en *Entry) OnDestroy(fn func(*Entry)) {
	en.mu.Lock()
	if !en.destroyed {
		en.onDestroy = append(en.onDestroy, fn)
		en.mu.Unlock()
		return
	}
	en.mu.Unlock()
	fn(en)
}

// Destroy tears the entry down from the hosting side: every controller is
// told DESTROYED_BY_FORCE.
func (en *Entry) Destroy(ctx context.Context) error {
	return en.destroy(ctx, nil)
}

func (en *Entry) forget(p *port) (last bool) {
	en.mu.Lock()
	defer en.mu.Unlock()
	delete(en.ports, p)
	return len(en.ports) == 0 && !en.destroyed
}

// detach removes p unless it is the last channel. It reports false when p
// is the last one, leaving it attached.
func (en *Entry) detach(p *port) bool {
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.destroyed {
		return false
	}
	if _, ok := en.ports[p]; !ok {
		return false
	}
	if len(en.ports) == 1 {
		return false
	}
	delete(en.ports, p)
	return true
}

// destroy runs the teardown hook, releases argument runners, forces every
// other channel closed and finally answers the requester (if any). It only
// runs once; later calls report the instance as gone.
func (en *Entry) destroy(ctx context.Context, requester *request) error {
	en.mu.Lock()
	if en.destroyed {
		en.mu.Unlock()
		if requester != nil {
			requester.port.close()
		}
		return errs.Closed()
	}
	en.destroyed = true
	ports := en.ports
	en.ports = make(map[*port]struct{})
	proxies := en.proxies
	en.proxies = nil
	callbacks := en.onDestroy
	en.onDestroy = nil
	en.mu.Unlock()

	log := en.env.log.With(zap.String("token", en.Token))
	err := en.teardown(ctx, proxies)
	if err != nil {
		log.Warn("environment.destroy teardown failed", zap.Error(err))
	}

	for p := range ports {
		if requester != nil && p == requester.port {
			continue
		}
		p.send(p.currentEpoch(), &message.Envelope{Type: message.ActionDestroyedByForce})
		p.close()
	}
	if requester != nil {
		reply := &message.Envelope{Type: message.ActionDestroyedByRequest, ID: requester.id}
		if err != nil {
			reply.Type = message.ActionDestroyedWithError
			reply.Error = errs.Normalize(err, errs.CodeDestroy)
		}
		requester.port.send(requester.port.currentEpoch(), reply)
		requester.port.close()
	}

	en.env.remove(en)
	for _, fn := range callbacks {
		fn(en)
	}
	log.Debug("environment.destroy", zap.Int("channels", len(ports)))
	return err
}

// teardown calls the instance's Destroy hook and disconnects the runners it
// received as constructor arguments, concurrently. All failures are kept.
func (en *Entry) teardown(ctx context.Context, proxies []marshal.Transferable) error {
	var (
		mu       sync.Mutex
		failures []error
	)
	record := func(err error) {
		if err != nil {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		}
	}

	record(callHook(ctx, en.Instance))

	var g errgroup.Group
	for _, p := range proxies {
		g.Go(func() error {
			record(p.Disconnect(ctx))
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == 1 {
		return errs.Wrap(failures[0], errs.CodeDestroy)
	}
	return errs.Combine(errs.CodeDestroy, "destroying "+en.Token, failures...)
}

// callHook runs Destroy() error or Destroy(ctx) error when the instance has
// one.
func callHook(ctx context.Context, instance any) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = errs.Recover(v, errs.CodeDestroy)
		}
	}()
	switch h := instance.(type) {
	case interface{ Destroy(context.Context) error }:
		return h.Destroy(ctx)
	case interface{ Destroy() error }:
		return h.Destroy()
	case interface{ Destroy() }:
		h.Destroy()
	}
	return nil
}
