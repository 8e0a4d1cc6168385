package loadbalance

import (
	"sync/atomic"

	"runner-rpc/discovery"
)

// RoundRobinBalancer distributes resolves evenly across all hosts in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Int64 // incremented on each Pick()
}

// Pick selects the next instance in round-robin order. The key is ignored.
func (b *RoundRobinBalancer) Pick(key string, instances []discovery.HostInstance) (*discovery.HostInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
