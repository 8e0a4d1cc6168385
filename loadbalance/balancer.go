// Package loadbalance picks the host a runner is constructed on.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity hosts
//   - WeightedRandom:  heterogeneous hosts (different CPU/memory)
//   - ConsistentHash:  affinity: the same token always lands on the same host
package loadbalance

import (
	"errors"
	"fmt"

	"runner-rpc/discovery"
)

// ErrNoInstances is returned when a token has no hosts.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The pool calls Pick() before each resolve to select a target host.
type Balancer interface {
	// Pick selects one instance for key (the runner token).
	// Called on every resolve, must be goroutine-safe.
	Pick(key string, instances []discovery.HostInstance) (*discovery.HostInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "round_robin",
// "weighted_random" or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
