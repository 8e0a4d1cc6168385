package environment

import (
	"context"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"runner-rpc/errs"
	"runner-rpc/message"
	"runner-rpc/middleware"
)

// port is the environment's per-channel state.
type port struct {
	ch    message.Channel
	entry *Entry

	sendMu sync.Mutex // serializes replies and guards epoch
	epoch  uint64
	closed bool
}

// request identifies the envelope a reply answers.
type request struct {
	port *port
	id   uint64
}

func (p *port) currentEpoch() uint64 {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.epoch
}

// send delivers env unless the channel changed hands (epoch moved on) or was
// closed since the request was read. Dropped envelopes release what they
// carry.
func (p *port) send(epoch uint64, env *message.Envelope) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed || epoch != p.epoch {
		release(env)
		return
	}
	if err := p.ch.Send(context.Background(), env); err != nil {
		release(env)
	}
}

// interrupt starts a new epoch and acknowledges it in the same critical
// section, so no reply of the old epoch can follow the acknowledgement.
func (p *port) interrupt(id uint64) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	p.epoch++
	if p.closed {
		return
	}
	_ = p.ch.Send(context.Background(), &message.Envelope{Type: message.ActionListeningInterrupted, ID: id})
}

func (p *port) close() {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.ch.Close()
}

func release(env *message.Envelope) {
	for _, ch := range env.Channels {
		if ch != nil {
			_ = ch.Close()
		}
	}
}

// serve is the only reader of p.ch.
func (e *Environment) serve(p *port) {
	defer e.wg.Done()
	defer e.dropPort(p)

	entry := p.entry
	log := e.log.With(zap.String("token", entry.Token))
	for {
		env, err := p.ch.Recv(context.Background())
		if err != nil {
			e.lost(p)
			return
		}
		epoch := p.currentEpoch()
		req := &request{port: p, id: env.ID}

		switch env.Type {
		case message.ActionExecute:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				p.send(epoch, e.execute(entry, env))
			}()

		case message.ActionResolve:
			reply := &message.Envelope{Type: message.ActionResolved, ID: env.ID}
			if ch, err := e.Open(entry); err != nil {
				reply.Type = message.ActionExecuteError
				reply.Error = errs.Normalize(err, errs.CodeConnectionClosed)
			} else {
				reply.Channels = []message.Channel{ch}
			}
			p.send(epoch, reply)

		case message.ActionRequestOwnData:
			p.send(epoch, &message.Envelope{
				Type:        message.ActionOwnData,
				ID:          env.ID,
				Token:       entry.Token,
				MethodNames: entry.reg.MethodNames(),
			})

		case message.ActionInterruptListening:
			p.interrupt(env.ID)

		case message.ActionDisconnect:
			if entry.detach(p) {
				p.send(epoch, &message.Envelope{Type: message.ActionDisconnected, ID: env.ID})
				p.close()
				return
			}
			log.Debug("environment.disconnect escalated to destroy")
			_ = entry.destroy(e.ctx, req)
			return

		case message.ActionDestroy:
			_ = entry.destroy(e.ctx, req)
			return

		default:
			log.Warn("environment.serve unexpected action", zap.String("type", string(env.Type)))
			release(env)
			if env.ID != 0 {
				p.send(epoch, &message.Envelope{
					Type:  message.ActionExecuteError,
					ID:    env.ID,
					Error: errs.Normalize(errs.New(errs.CodeUnexpectedAction, "unexpected action %s", env.Type), errs.CodeUnexpectedAction),
				})
			}
		}
	}
}

// lost handles a channel that went away without DISCONNECT. Losing the last
// channel destroys the instance.
func (e *Environment) lost(p *port) {
	p.close()
	if p.entry.forget(p) {
		e.log.Debug("environment.lost last channel", zap.String("token", p.entry.Token))
		_ = p.entry.destroy(e.ctx, nil)
	}
}

// execute runs one EXECUTE and builds its reply.
func (e *Environment) execute(entry *Entry, req *message.Envelope) *message.Envelope {
	fail := func(err error) *message.Envelope {
		return &message.Envelope{
			Type:  message.ActionExecuteError,
			ID:    req.ID,
			Error: errs.Normalize(err, errs.CodeExecute),
		}
	}

	m, ok := entry.reg.Method(req.Method)
	if !ok || !m.Callable() {
		release(req)
		return fail(errs.New(errs.CodeExecute, "runner %q has no method %q", entry.Token, req.Method))
	}
	ctx := e.ctx
	decoded, err := e.marshal.DecodeArgs(ctx, req, m.ArgTypes())
	if err != nil {
		return fail(err)
	}

	result, err := e.handler(ctx, &middleware.Call{
		Token:    entry.Token,
		Method:   req.Method,
		Instance: entry.Instance,
		Args:     decoded.Values,
	})
	if err != nil {
		return fail(err)
	}

	reply, err := e.marshal.EncodeResult(ctx, result)
	if err != nil {
		return fail(err)
	}
	reply.ID = req.ID
	return reply
}

// invoke is the innermost handler: the runner method itself.
func (e *Environment) invoke(ctx context.Context, call *middleware.Call) (any, error) {
	re, ok := e.reg.Lookup(call.Token)
	if !ok {
		return nil, errs.New(errs.CodeExecute, "runner %q is not registered", call.Token)
	}
	m, ok := re.Method(call.Method)
	if !ok {
		return nil, errs.New(errs.CodeExecute, "runner %q has no method %q", call.Token, call.Method)
	}
	out, err := m.Call(ctx, reflect.ValueOf(call.Instance), call.Args)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeExecute)
	}
	if !out.IsValid() {
		return nil, nil
	}
	return out.Interface(), nil
}
