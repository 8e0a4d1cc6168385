// Package discovery keeps track of which hosts serve which runner tokens.
package discovery

import (
	"context"
	"sort"
	"sync"
)

// HostInstance is one host able to construct runners for a token.
type HostInstance struct {
	Addr    string `json:"addr"`
	Network string `json:"network,omitempty"` // "tcp" when empty; "ws" for websocket URLs
	Weight  int    `json:"weight,omitempty"`  // Weight for load balancing
	Version string `json:"version,omitempty"`
}

// Directory publishes and looks up hosts per token.
type Directory interface {
	Register(ctx context.Context, token string, instance HostInstance, ttl int64) error
	Deregister(ctx context.Context, token string, addr string) error
	Discover(ctx context.Context, token string) ([]HostInstance, error)
	// Watch emits the full instance list on every change until ctx is done.
	Watch(ctx context.Context, token string) <-chan []HostInstance
}

// Static is an in-memory Directory. TTLs are ignored.
type Static struct {
	mu       sync.Mutex
	hosts    map[string]map[string]HostInstance
	watchers map[string][]chan []HostInstance
}

// NewStatic creates a directory preloaded with hosts per token.
func NewStatic(hosts map[string][]HostInstance) *Static {
	s := &Static{
		hosts:    make(map[string]map[string]HostInstance),
		watchers: make(map[string][]chan []HostInstance),
	}
	for token, instances := range hosts {
		for _, inst := range instances {
			s.put(token, inst)
		}
	}
	return s
}

func (s *Static) put(token string, inst HostInstance) {
	if s.hosts[token] == nil {
		s.hosts[token] = make(map[string]HostInstance)
	}
	s.hosts[token][inst.Addr] = inst
}

func (s *Static) Register(ctx context.Context, token string, instance HostInstance, ttl int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(token, instance)
	s.notifyLocked(token)
	return nil
}

func (s *Static) Deregister(ctx context.Context, token string, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts[token], addr)
	s.notifyLocked(token)
	return nil
}

func (s *Static) Discover(ctx context.Context, token string) ([]HostInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(token), nil
}

func (s *Static) Watch(ctx context.Context, token string) <-chan []HostInstance {
	ch := make(chan []HostInstance, 1)
	s.mu.Lock()
	s.watchers[token] = append(s.watchers[token], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watchers[token]
		for i, w := range list {
			if w == ch {
				s.watchers[token] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// listLocked returns instances sorted by address so callers see a stable
// order.
func (s *Static) listLocked(token string) []HostInstance {
	out := make([]HostInstance, 0, len(s.hosts[token]))
	for _, inst := range s.hosts[token] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (s *Static) notifyLocked(token string) {
	list := s.listLocked(token)
	for _, w := range s.watchers[token] {
		// keep only the latest snapshot
		select {
		case <-w:
		default:
		}
		select {
		case w <- list:
		default:
		}
	}
}
