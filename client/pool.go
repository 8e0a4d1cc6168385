package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"runner-rpc/bridge"
	"runner-rpc/discovery"
	"runner-rpc/loadbalance"
	"runner-rpc/registry"
	"runner-rpc/transport"
)

// Pool resolves runners on hosts found in a directory. Hosts are picked per
// token by a balancer; carriers come from a mux pool and each carries one
// Client with one lazily opened logical connection.
type Pool struct {
	directory discovery.Directory // find host instances per token
	balancer  loadbalance.Balancer
	muxes     *transport.MuxPool
	reg       *registry.Registry
	log       *zap.Logger

	mu    sync.Mutex
	conns map[*transport.Mux]*muxConn
}

// muxConn is the client and logical connection living on one carrier.
type muxConn struct {
	once   sync.Once
	client *Client
	conn   *Connection
	err    error
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Directory discovery.Directory
	Balancer  loadbalance.Balancer // round robin when nil
	Network   string               // "tcp" by default
	PoolSize  int                  // carriers per host
	Transport []transport.Option
	Registry  *registry.Registry
	Logger    *zap.Logger
}

// NewPool creates a pool. Carriers are dialed lazily.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("client: pool needs a directory")
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	topts := append([]transport.Option{transport.WithLogger(cfg.Logger)}, cfg.Transport...)
	network := cfg.Network
	return &Pool{
		directory: cfg.Directory,
		balancer:  cfg.Balancer,
		muxes: transport.NewMuxPool(cfg.PoolSize, func(ctx context.Context, addr string) (*transport.Mux, error) {
			return transport.Dial(ctx, network, addr, topts...)
		}),
		reg:   cfg.Registry,
		log:   cfg.Logger.With(zap.String("component", "pool")),
		conns: make(map[*transport.Mux]*muxConn),
	}, nil
}

// Resolve constructs a runner for token on a host picked by the balancer.
func (p *Pool) Resolve(ctx context.Context, token string, args ...any) (*bridge.Proxy, error) {
	// Get host instances from the directory
	instances, err := p.directory.Discover(ctx, token)
	if err != nil {
		return nil, err
	}

	// Select an instance using the load balancer
	instance, err := p.balancer.Pick(token, instances)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", token, err)
	}

	conn, err := p.connection(ctx, instance.Addr)
	if err != nil {
		return nil, err
	}
	p.log.Debug("pool.resolve", zap.String("token", token), zap.String("addr", instance.Addr),
		zap.String("balancer", p.balancer.Name()))
	return conn.Resolve(ctx, token, args...)
}

// connection returns the logical connection of a pooled carrier to addr.
func (p *Pool) connection(ctx context.Context, addr string) (*Connection, error) {
	m, err := p.muxes.Get(ctx, addr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	mc, ok := p.conns[m]
	if !ok {
		mc = &muxConn{}
		p.conns[m] = mc
		go p.evict(m)
	}
	p.mu.Unlock()

	mc.once.Do(func() {
		mc.client = NewClient(m.Bootstrap(), WithRegistry(p.reg), WithLogger(p.log))
		mc.conn, mc.err = mc.client.Connect(ctx)
	})
	if mc.err != nil {
		p.mu.Lock()
		if p.conns[m] == mc {
			delete(p.conns, m)
		}
		p.mu.Unlock()
		_ = m.Close()
		return nil, mc.err
	}
	return mc.conn, nil
}

func (p *Pool) evict(m *transport.Mux) {
	<-m.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, m)
}

// Close closes every carrier. Proxies resolved through the pool see their
// connections closed.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.conns = make(map[*transport.Mux]*muxConn)
	p.mu.Unlock()
	return p.muxes.Close()
}
