package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// DialFunc opens a new mux to addr.
type DialFunc func(ctx context.Context, addr string) (*Mux, error)

// MuxPool keeps up to size muxes per address and hands them out round robin.
// A mux is multiplexed, so handing one to several callers at once is fine;
// more than one per address only spreads load across carriers.
type MuxPool struct {
	mu    sync.Mutex
	size  int
	dial  DialFunc
	muxes map[string][]*Mux
	next  map[string]int
	// dialing serializes dials per address so a burst of Gets does not
	// overshoot size.
	dialing map[string]*sync.Mutex
	closed  bool
}

// NewMuxPool creates an empty pool. Muxes are dialed lazily.
func NewMuxPool(size int, dial DialFunc) *MuxPool {
	if size < 1 {
		size = 1
	}
	return &MuxPool{
		size:    size,
		dial:    dial,
		muxes:   make(map[string][]*Mux),
		next:    make(map[string]int),
		dialing: make(map[string]*sync.Mutex),
	}
}

// Get returns a live mux for addr, dialing one if the address is below its
// size or every pooled mux has died.
func (p *MuxPool) Get(ctx context.Context, addr string) (*Mux, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("transport: pool closed")
	}
	gate, ok := p.dialing[addr]
	if !ok {
		gate = &sync.Mutex{}
		p.dialing[addr] = gate
	}
	p.mu.Unlock()

	gate.Lock()
	defer gate.Unlock()

	p.mu.Lock()
	live := p.evictLocked(addr)
	if len(live) >= p.size {
		i := p.next[addr] % len(live)
		p.next[addr] = i + 1
		m := live[i]
		p.mu.Unlock()
		return m, nil
	}
	p.mu.Unlock()

	m, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = m.Close()
		return nil, fmt.Errorf("transport: pool closed")
	}
	p.muxes[addr] = append(p.muxes[addr], m)
	return m, nil
}

// Len returns the number of live muxes for addr.
func (p *MuxPool) Len(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.evictLocked(addr))
}

// evictLocked drops dead muxes for addr. Caller holds p.mu.
func (p *MuxPool) evictLocked(addr string) []*Mux {
	pooled := p.muxes[addr]
	live := pooled[:0]
	for _, m := range pooled {
		select {
		case <-m.Done():
		default:
			live = append(live, m)
		}
	}
	p.muxes[addr] = live
	return live
}

// Close shuts the pool and every pooled mux down.
func (p *MuxPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var err error
	for addr, muxes := range p.muxes {
		for _, m := range muxes {
			err = multierr.Append(err, m.Close())
		}
		delete(p.muxes, addr)
	}
	return err
}
