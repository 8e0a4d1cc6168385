// Package transport provides the carriers a runner connection rides on.
//
// Pipe creates an in-process channel pair: envelopes (including the channels
// and buffers they carry) are moved, never copied, which is the zero-copy
// path between goroutine-hosted environments.
//
// Mux multiplexes many logical channels over one byte stream (TCP, websocket)
// using protocol frames. Stream 0 is the shared bootstrap channel; any channel
// attached to an outbound envelope gets a freshly opened stream of its own.
//
//	caller goroutines ──Send(stream=5)──┐
//	                  ──Send(stream=0)──┼──→ single conn ──→ peer Mux
//	                  ──Send(stream=7)──┘
//
//	recvLoop: ←── frame(stream=7) → streams[7].inbox → Recv on stream 7 wakes up
package transport

import (
	"context"
	"errors"
	"sync"

	"runner-rpc/message"
)

// ErrClosed is returned by Send and Recv once a channel is closed.
var ErrClosed = errors.New("transport: channel closed")

// pipeCapacity bounds each direction of an in-process pair. A full queue
// blocks the sender until the peer reads.
const pipeCapacity = 64

type pipeShared struct {
	done chan struct{}
	once sync.Once
}

type pipeEnd struct {
	in     chan *message.Envelope
	out    chan *message.Envelope
	shared *pipeShared
}

// Pipe creates a connected pair of in-process channels. Closing either end
// closes both; envelopes already queued are still delivered.
func Pipe() (message.Channel, message.Channel) {
	ab := make(chan *message.Envelope, pipeCapacity)
	ba := make(chan *message.Envelope, pipeCapacity)
	shared := &pipeShared{done: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, shared: shared}, &pipeEnd{in: ab, out: ba, shared: shared}
}

func (p *pipeEnd) Send(ctx context.Context, env *message.Envelope) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (*message.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case env := <-p.in:
		return env, nil
	default:
	}
	select {
	case env := <-p.in:
		return env, nil
	case <-p.shared.done:
		select {
		case env := <-p.in:
			return env, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}
