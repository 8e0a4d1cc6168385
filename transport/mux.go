package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"runner-rpc/codec"
	"runner-rpc/message"
	"runner-rpc/protocol"
)

// streamInbox bounds the envelopes queued for one stream. A full inbox
// stalls the read loop, which pushes back on the peer.
const streamInbox = 128

// Mux carries many logical channels over a single byte stream.
type Mux struct {
	conn io.ReadWriteCloser
	opts options
	log  *zap.Logger

	sending sync.Mutex // Write lock: one frame at a time on conn

	mu      sync.Mutex
	streams map[uint32]*stream
	nextID  uint32 // dialer allocates odd ids, acceptor even ids
	closed  bool
	err     error
	done    chan struct{}
}

// NewMux wraps conn and starts the read loop (and heartbeat loop when
// enabled). dialer picks the stream id space; the two ends of one conn must
// pass opposite values.
func NewMux(conn io.ReadWriteCloser, dialer bool, opts ...Option) *Mux {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	m := &Mux{
		conn:    conn,
		opts:    o,
		log:     o.log.With(zap.String("component", "mux")),
		streams: make(map[uint32]*stream),
		done:    make(chan struct{}),
	}
	if dialer {
		m.nextID = 1
	} else {
		m.nextID = 2
	}
	m.streams[protocol.BootstrapStream] = m.newStream(protocol.BootstrapStream)

	go m.recvLoop()
	if o.heartbeat > 0 {
		go m.heartbeatLoop(o.heartbeat)
	}
	return m
}

// Bootstrap returns the shared bootstrap channel (stream 0).
func (m *Mux) Bootstrap() message.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[protocol.BootstrapStream]; ok {
		return s
	}
	// already closed: hand out a dead stream so callers see ErrClosed
	s := m.newStream(protocol.BootstrapStream)
	s.closeLocal()
	return s
}

// Open allocates a new logical channel. The peer learns about it from an
// Open frame and surfaces it when an envelope references its id.
func (m *Mux) Open() (message.Channel, error) {
	return m.open()
}

// Done is closed once the mux has shut down.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns the reason the mux shut down, nil while running.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close shuts the mux down: every stream is closed and so is the carrier.
func (m *Mux) Close() error {
	m.shutdown(ErrClosed)
	return nil
}

func (m *Mux) newStream(id uint32) *stream {
	return &stream{
		id:    id,
		mux:   m,
		inbox: make(chan *message.Envelope, streamInbox),
		done:  make(chan struct{}),
	}
}

func (m *Mux) open() (*stream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	id := m.nextID
	m.nextID += 2
	s := m.newStream(id)
	m.streams[id] = s
	m.mu.Unlock()

	if err := m.writeFrame(protocol.FrameOpen, id, nil); err != nil {
		m.forget(id)
		return nil, err
	}
	return s, nil
}

func (m *Mux) forget(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
}

func (m *Mux) lookup(id uint32) (*stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// writeFrame serializes one frame on the carrier.
func (m *Mux) writeFrame(ft protocol.FrameType, id uint32, body []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	h := protocol.Header{
		CodecType: byte(m.opts.codec),
		FrameType: ft,
		Stream:    id,
		BodyLen:   uint32(len(body)),
	}
	m.sending.Lock()
	err := protocol.Encode(m.conn, &h, body)
	m.sending.Unlock()
	if err != nil {
		m.shutdown(fmt.Errorf("transport: write: %w", err))
		return ErrClosed
	}
	return nil
}

// recvLoop is the only reader of the carrier. Frame boundaries require
// sequential reads; each frame is routed to its stream by id.
func (m *Mux) recvLoop() {
	dl, canDeadline := m.conn.(interface{ SetReadDeadline(time.Time) error })
	for {
		if canDeadline && m.opts.idle > 0 {
			_ = dl.SetReadDeadline(time.Now().Add(m.opts.idle))
		}
		header, body, err := protocol.DecodeLimit(m.conn, m.opts.maxBody)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			m.shutdown(err)
			return
		}

		switch header.FrameType {
		case protocol.FrameHeartbeat:
			continue
		case protocol.FrameOpen:
			m.mu.Lock()
			if _, exists := m.streams[header.Stream]; !exists {
				m.streams[header.Stream] = m.newStream(header.Stream)
			}
			m.mu.Unlock()
		case protocol.FrameClose:
			if s, ok := m.lookup(header.Stream); ok {
				m.forget(header.Stream)
				s.closeLocal()
			}
		case protocol.FrameData:
			m.deliver(header, body)
		}
	}
}

func (m *Mux) deliver(header *protocol.Header, body []byte) {
	s, ok := m.lookup(header.Stream)
	if !ok {
		m.log.Debug("mux.deliver dropped frame for unknown stream", zap.Uint32("stream", header.Stream))
		return
	}

	env := &message.Envelope{}
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, env); err != nil {
		m.log.Warn("mux.deliver decode failed", zap.Uint32("stream", header.Stream), zap.Error(err))
		return
	}

	// Streams referenced by the envelope were announced by Open frames that
	// precede this frame on the same carrier.
	if len(env.Streams) > 0 {
		env.Channels = make([]message.Channel, len(env.Streams))
		for i, id := range env.Streams {
			if carried, ok := m.lookup(id); ok {
				env.Channels[i] = carried
			} else {
				m.log.Warn("mux.deliver envelope references unknown stream", zap.Uint32("stream", id))
				dead := m.newStream(id)
				dead.closeLocal()
				env.Channels[i] = dead
			}
		}
		env.Streams = nil
	}

	select {
	case s.inbox <- env:
	case <-s.done:
		// Nobody will read it; release whatever it carried.
		for _, ch := range env.Channels {
			_ = ch.Close()
		}
	case <-m.done:
	}
}

// heartbeatLoop keeps idle carriers alive and lets the peer's idle timeout
// tell a quiet connection from a dead one.
func (m *Mux) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.writeFrame(protocol.FrameHeartbeat, 0, nil); err != nil {
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *Mux) shutdown(reason error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.err = reason
	streams := m.streams
	m.streams = make(map[uint32]*stream)
	close(m.done)
	m.mu.Unlock()

	if !errors.Is(reason, ErrClosed) {
		m.log.Warn("mux.shutdown", zap.Error(reason))
	}
	for _, s := range streams {
		s.closeLocal()
	}
	_ = m.conn.Close()
}

// relay pumps envelopes both ways between a local channel and a stream, so a
// channel that cannot travel over bytes is reachable through the stream.
// Either side ending closes the other.
func (m *Mux) relay(local message.Channel, s *stream) {
	ctx := context.Background()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = local.Close()
			_ = s.Close()
		})
	}
	pump := func(from, to message.Channel) {
		defer stop()
		for {
			env, err := from.Recv(ctx)
			if err != nil {
				return
			}
			if err := to.Send(ctx, env); err != nil {
				return
			}
		}
	}
	go pump(local, s)
	go pump(s, local)
}

// stream is one logical channel of a Mux.
type stream struct {
	id    uint32
	mux   *Mux
	inbox chan *message.Envelope
	done  chan struct{}
	once  sync.Once
}

func (s *stream) Send(ctx context.Context, env *message.Envelope) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out := *env
	out.Channels = nil
	out.Streams = nil
	for _, ch := range env.Channels {
		carrier, err := s.mux.open()
		if err != nil {
			return err
		}
		s.mux.relay(ch, carrier)
		out.Streams = append(out.Streams, carrier.id)
	}

	body, err := codec.GetCodec(s.mux.opts.codec).Encode(&out)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	return s.mux.writeFrame(protocol.FrameData, s.id, body)
}

func (s *stream) Recv(ctx context.Context) (*message.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case env := <-s.inbox:
		return env, nil
	default:
	}
	select {
	case env := <-s.inbox:
		return env, nil
	case <-s.done:
		select {
		case env := <-s.inbox:
			return env, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the stream locally and tells the peer.
func (s *stream) Close() error {
	first := false
	s.once.Do(func() {
		first = true
		close(s.done)
	})
	if !first {
		return nil
	}
	s.mux.forget(s.id)
	_ = s.mux.writeFrame(protocol.FrameClose, s.id, nil)
	return nil
}

// closeLocal closes without notifying the peer (peer closed, or mux down).
func (s *stream) closeLocal() {
	s.once.Do(func() { close(s.done) })
}
