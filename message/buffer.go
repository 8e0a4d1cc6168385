package message

import (
	"errors"
	"sync"
)

// ErrDetached is returned when a Buffer is used after its ownership moved.
var ErrDetached = errors.New("message: buffer detached")

// Buffer is a byte payload passed by ownership transfer. Once detached (sent
// as an argument or result) the sender's Buffer is unusable; the receiver
// gets a fresh Buffer that owns the same backing array.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	detached bool
}

// NewBuffer takes ownership of b. The caller must not touch b afterwards.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Bytes returns the owned slice, or ErrDetached.
func (b *Buffer) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil, ErrDetached
	}
	return b.data, nil
}

// Len returns the payload length, 0 once detached.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Detached reports whether ownership has moved away.
func (b *Buffer) Detached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detached
}

// Detach moves the payload out of b and invalidates it.
func (b *Buffer) Detach() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil, ErrDetached
	}
	data := b.data
	b.data = nil
	b.detached = true
	return data, nil
}
