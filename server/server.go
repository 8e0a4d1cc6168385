// Package server hosts runners: it answers the bootstrap handshake on every
// carrier, hands each logical connection its own resolver channel, publishes
// the tokens it can construct and shuts down gracefully.
//
// Connection pipeline:
//
//	Accept conn → Mux (single goroutine reads frames)
//	  → stream 0: ServeChannel (PING → PONG, CONNECT → CONNECTED + resolver channel)
//	    → Resolver: INIT_RUNNER → Environment.Construct → RUNNER_INITED + runner channel
//	      → one goroutine per runner channel, one per EXECUTE
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"runner-rpc/discovery"
	"runner-rpc/environment"
	"runner-rpc/message"
	"runner-rpc/middleware"
	"runner-rpc/registry"
	"runner-rpc/transport"
)

// DefaultTTL is the lease, in seconds, of the directory records of a host.
const DefaultTTL = 10

// Server hosts runners constructed from its registry.
type Server struct {
	reg       *registry.Registry
	log       *zap.Logger
	transport []transport.Option
	ttl       int64

	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	envOnce     sync.Once
	env         *environment.Environment

	mu            sync.Mutex
	listener      net.Listener
	muxes         map[*transport.Mux]struct{}
	directory     discovery.Directory // nil if not using discovery
	advertiseAddr string              // Address published in the directory (e.g., "127.0.0.1:8080")
	// Different from listen address (":8080") because clients need a routable IP

	wg       sync.WaitGroup // Tracks bootstrap loops for graceful shutdown
	shutdown atomic.Bool    // Set to true during shutdown to suppress Accept errors
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRegistry hosts runners from reg instead of a private registry.
func WithRegistry(reg *registry.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.reg = reg
		}
	}
}

// WithTransport sets the options of every accepted carrier.
func WithTransport(opts ...transport.Option) Option {
	return func(s *Server) { s.transport = append(s.transport, opts...) }
}

// WithTTL sets the directory lease in seconds.
func WithTTL(seconds int64) Option {
	return func(s *Server) {
		if seconds > 0 {
			s.ttl = seconds
		}
	}
}

// NewServer creates a server with an empty registry.
func NewServer(opts ...Option) *Server {
	s := &Server{
		reg:   registry.New(),
		log:   zap.NewNop(),
		ttl:   DefaultTTL,
		muxes: make(map[*transport.Mux]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("component", "server"))
	return s
}

// Register registers a runner constructor (e.g., NewCounter). Its token is
// published when the server starts serving with a directory.
func (s *Server) Register(ctor any, opts ...registry.Option) error {
	_, err := s.reg.Register(ctor, opts...)
	return err
}

// Registry returns the registry runners are constructed from.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be registered before the server starts serving.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Environment returns the environment hosting the runners, creating it on
// first use.
func (s *Server) Environment() *environment.Environment {
	// Build the middleware chain once (not per-request)
	s.envOnce.Do(func() {
		s.env = environment.New(s.reg,
			environment.WithLogger(s.log),
			environment.WithMiddleware(s.middlewares...),
		)
	})
	return s.env
}

// ServeChannel answers the bootstrap handshake on ch until it closes.
// Every CONNECT gets a fresh resolver channel: one logical connection.
func (s *Server) ServeChannel(ch message.Channel) {
	s.wg.Add(1)
	defer s.wg.Done()
	s.bootstrap(ch)
}

func (s *Server) bootstrap(ch message.Channel) {
	defer ch.Close()

	env := s.Environment()
	ctx := context.Background()
	for {
		req, err := ch.Recv(ctx)
		if err != nil {
			return // Carrier closed or protocol error
		}
		switch req.Type {
		case message.ActionPing:
			err = ch.Send(ctx, &message.Envelope{Type: message.ActionPong, ID: req.ID})
		case message.ActionConnect:
			local, remote := transport.Pipe()
			env.Resolve(local)
			err = ch.Send(ctx, &message.Envelope{
				Type:     message.ActionConnected,
				ID:       req.ID,
				Channels: []message.Channel{remote},
			})
			if err != nil {
				_ = remote.Close()
			}
		default:
			s.log.Warn("server.bootstrap unexpected action", zap.String("type", string(req.Type)))
			for _, c := range req.Channels {
				_ = c.Close()
			}
		}
		if err != nil {
			s.log.Debug("server.bootstrap send failed", zap.Error(err))
			return
		}
	}
}

// Serve listens on the given address and enters the Accept loop.
//
// Parameters:
//   - advertiseAddr: the address published in the directory (e.g., "127.0.0.1:8080").
//     This differs from the listen address because ":8080" resolves to "[::]:8080" locally.
//   - dir: the directory implementation. Pass nil to skip service discovery.
func (s *Server) Serve(network, address, advertiseAddr string, dir discovery.Directory) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(listener, advertiseAddr, dir)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(listener net.Listener, advertiseAddr string, dir discovery.Directory) error {
	s.Environment()

	s.mu.Lock()
	s.listener = listener
	s.advertiseAddr = advertiseAddr
	s.directory = dir
	s.mu.Unlock()

	if s.shutdown.Load() {
		_ = listener.Close()
		return nil
	}

	// Publish every constructible token (if a directory is provided)
	if err := s.publish(); err != nil {
		_ = listener.Close()
		return err
	}
	s.log.Info("server.serve", zap.String("addr", listener.Addr().String()))

	// Accept loop: one mux per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.serveMux(transport.NewMux(conn, false, s.transportOptions()...))
	}
}

// Handler returns an http.Handler that accepts websocket carriers.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shutdown.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		m, err := transport.AcceptWebSocket(w, r, s.transportOptions()...)
		if err != nil {
			s.log.Debug("server.websocket accept failed", zap.Error(err))
			return
		}
		s.serveMux(m)
		// Returning tears the hijacked connection down.
		select {
		case <-m.Done():
		case <-r.Context().Done():
			_ = m.Close()
		}
	})
}

func (s *Server) transportOptions() []transport.Option {
	return append([]transport.Option{transport.WithLogger(s.log)}, s.transport...)
}

func (s *Server) serveMux(m *transport.Mux) {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		_ = m.Close()
		return
	}
	s.muxes[m] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.bootstrap(m.Bootstrap())
	}()
	go func() {
		<-m.Done()
		s.mu.Lock()
		delete(s.muxes, m)
		s.mu.Unlock()
	}()
}

func (s *Server) publish() error {
	if s.directory == nil {
		return nil
	}
	inst := discovery.HostInstance{Addr: s.advertiseAddr}
	for _, token := range s.tokens() {
		// TTL in seconds, KeepAlive renews automatically
		if err := s.directory.Register(context.Background(), token, inst, s.ttl); err != nil {
			return fmt.Errorf("server: publish %s: %w", token, err)
		}
	}
	return nil
}

// tokens lists the tokens this server can construct.
func (s *Server) tokens() []string {
	var tokens []string
	for _, token := range s.reg.Tokens() {
		if e, ok := s.reg.Lookup(token); ok && e.HasConstructor() {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// Shutdown performs graceful shutdown:
//  1. Withdraw every token from the directory (clients stop routing to this host)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Destroy every runner, telling their controllers DESTROYED_BY_FORCE
//  5. Close the carriers and wait for the bootstrap loops (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	dir, addr, listener := s.directory, s.advertiseAddr, s.listener
	s.mu.Unlock()

	// Step 1: Deregister FIRST, so clients stop sending new requests
	var err error
	if dir != nil {
		for _, token := range s.tokens() {
			err = multierr.Append(err, dir.Deregister(context.Background(), token, addr))
		}
	}

	// Step 2: Set shutdown flag BEFORE closing listener
	// If we close first, the Accept error fires before the flag is set,
	// and Serve() would return a real error instead of nil
	s.mu.Lock()
	s.shutdown.Store(true)
	s.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}

	// Step 3: Tear runners and carriers down, bounded by timeout
	done := make(chan error, 1)
	go func() {
		closeErr := s.Environment().Close()
		s.mu.Lock()
		muxes := make([]*transport.Mux, 0, len(s.muxes))
		for m := range s.muxes {
			muxes = append(muxes, m)
		}
		s.mu.Unlock()
		for _, m := range muxes {
			_ = m.Close()
		}
		s.wg.Wait()
		done <- closeErr
	}()

	select {
	case closeErr := <-done:
		return multierr.Append(err, closeErr)
	case <-time.After(timeout):
		return multierr.Append(err, fmt.Errorf("timeout waiting for runners to shut down"))
	}
}
