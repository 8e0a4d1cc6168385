package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultPrefix is the key prefix used when EtcdConfig.Prefix is empty.
const DefaultPrefix = "/runner-rpc"

// EtcdConfig configures an EtcdDirectory.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	Logger      *zap.Logger
}

// EtcdDirectory implements Directory on etcd v3, used as a "distributed
// phonebook" for runner hosts:
//
//	Key:   {prefix}/{token}/{addr}
//	Value: JSON-encoded HostInstance
//
// Registration uses TTL-based leases: if a host crashes, the lease expires
// and the entry is removed automatically, so no ghost hosts remain.
type EtcdDirectory struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, so Deregister can revoke
}

// NewEtcdDirectory connects to the given etcd endpoints.
func NewEtcdDirectory(cfg EtcdConfig) (*EtcdDirectory, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: etcd connect: %w", err)
	}
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &EtcdDirectory{
		client: c,
		prefix: prefix,
		log:    log.With(zap.String("component", "discovery")),
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (d *EtcdDirectory) tokenPrefix(token string) string {
	return d.prefix + "/" + token + "/"
}

// Register publishes instance under token with a TTL lease kept alive in the
// background until Deregister or Close.
func (d *EtcdDirectory) Register(ctx context.Context, token string, instance HostInstance, ttl int64) error {
	// Create a TTL-based lease; if KeepAlive stops, the entry auto-expires
	lease, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("discovery: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := d.tokenPrefix(token) + instance.Addr
	if _, err = d.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery: put %s: %w", key, err)
	}

	// KeepAlive must outlive the registering request.
	ch, err := d.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("discovery: keepalive: %w", err)
	}
	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		d.log.Debug("discovery.keepalive stopped", zap.String("key", key))
	}()

	d.mu.Lock()
	d.leases[key] = lease.ID
	d.mu.Unlock()
	d.log.Info("discovery.register", zap.String("key", key), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes an instance and revokes its lease.
func (d *EtcdDirectory) Deregister(ctx context.Context, token string, addr string) error {
	key := d.tokenPrefix(token) + addr
	d.mu.Lock()
	lease, ok := d.leases[key]
	delete(d.leases, key)
	d.mu.Unlock()

	_, err := d.client.Delete(ctx, key)
	if ok {
		_, revokeErr := d.client.Revoke(ctx, lease)
		err = multierr.Append(err, revokeErr)
	}
	if err != nil {
		return fmt.Errorf("discovery: deregister %s: %w", key, err)
	}
	return nil
}

// Discover returns every instance currently registered for token.
func (d *EtcdDirectory) Discover(ctx context.Context, token string) ([]HostInstance, error) {
	resp, err := d.client.Get(ctx, d.tokenPrefix(token), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: get: %w", err)
	}

	instances := make([]HostInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance HostInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			d.log.Warn("discovery.discover skipped malformed entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full instance list whenever anything under token changes
// (registrations, deregistrations, lease expirations).
func (d *EtcdDirectory) Watch(ctx context.Context, token string) <-chan []HostInstance {
	ch := make(chan []HostInstance, 1)
	go func() {
		defer close(ch)
		watchChan := d.client.Watch(ctx, d.tokenPrefix(token), clientv3.WithPrefix())
		for range watchChan {
			// re-fetch the full list instead of applying individual events
			instances, err := d.Discover(ctx, token)
			if err != nil {
				d.log.Warn("discovery.watch refresh failed", zap.String("token", token), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close revokes every lease this directory registered and closes the client.
func (d *EtcdDirectory) Close() error {
	d.mu.Lock()
	leases := d.leases
	d.leases = make(map[string]clientv3.LeaseID)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	for _, lease := range leases {
		_, revokeErr := d.client.Revoke(ctx, lease)
		err = multierr.Append(err, revokeErr)
	}
	return multierr.Append(err, d.client.Close())
}
