package transport

import (
	"time"

	"go.uber.org/zap"

	"runner-rpc/codec"
	"runner-rpc/protocol"
)

type options struct {
	codec     codec.CodecType
	heartbeat time.Duration
	idle      time.Duration
	maxBody   uint32
	log       *zap.Logger
}

func defaultOptions() options {
	return options{
		codec:     codec.CodecTypeJSON,
		heartbeat: 30 * time.Second,
		maxBody:   protocol.DefaultMaxBodyLen,
		log:       zap.NewNop(),
	}
}

// Option configures a Mux.
type Option func(*options)

// WithCodec selects the body encoding of outbound frames. Inbound frames are
// decoded with whatever codec their header names.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithHeartbeat sets the heartbeat interval; 0 disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithIdleTimeout closes the mux when nothing (not even a heartbeat) arrives
// for d. Only effective on carriers with read deadlines.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idle = d }
}

// WithMaxBody bounds inbound frame bodies.
func WithMaxBody(n uint32) Option {
	return func(o *options) { o.maxBody = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}
