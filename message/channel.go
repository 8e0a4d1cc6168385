package message

import "context"

// Channel is a duplex, message-oriented transport between exactly two peers.
//
// Send may be called from many goroutines. Recv must have a single reader at
// a time; cancelling the ctx passed to Recv stops reading without closing the
// channel, so ownership of the channel can be handed to someone else.
// Close ends both directions; the peer observes it as an error from Recv.
type Channel interface {
	Send(ctx context.Context, env *Envelope) error
	Recv(ctx context.Context) (*Envelope, error)
	Close() error
}
