package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"runner-rpc/discovery"
)

// ConsistentHashBalancer maps tokens to hosts using a hash ring.
// The same token always maps to the same host (until the host set changes),
// which keeps runners of one kind together.
//
// Virtual nodes: each real host is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 hosts might cluster together on the ring,
// causing uneven load distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real host

	mu        sync.RWMutex
	signature string   // host set the ring was built from
	ring      []uint32 // Sorted hash values on the ring
	nodes     map[uint32]discovery.HostInstance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per host.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]discovery.HostInstance),
	}
}

// Pick finds the host responsible for key. The ring is rebuilt whenever the
// host set differs from the previous call.
func (b *ConsistentHashBalancer) Pick(key string, instances []discovery.HostInstance) (*discovery.HostInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	sig := signature(instances)

	b.mu.RLock()
	if b.signature != sig {
		b.mu.RUnlock()
		b.rebuild(sig, instances)
		b.mu.RLock()
	}
	defer b.mu.RUnlock()

	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

// rebuild places every host onto the ring with N virtual nodes, each hashed
// from "{addr}#{i}".
func (b *ConsistentHashBalancer) rebuild(sig string, instances []discovery.HostInstance) {
	ring := make([]uint32, 0, len(instances)*b.replicas)
	nodes := make(map[uint32]discovery.HostInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			ring = append(ring, hash)
			nodes[hash] = inst
		}
	}
	slices.Sort(ring)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.signature = sig
	b.ring = ring
	b.nodes = nodes
}

func signature(instances []discovery.HostInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	return strings.Join(addrs, ",")
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
