package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry keeps instances in process. It backs tests and single-host
// setups that run without etcd. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string]map[chan []ServiceInstance]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string]map[chan []ServiceInstance]struct{}),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	instances, ok := r.services[serviceName]
	if !ok {
		instances = make(map[string]ServiceInstance)
		r.services[serviceName] = instances
	}
	instances[instance.Addr] = instance
	r.notify(serviceName)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[serviceName][addr]; !ok {
		return ErrNotRegistered
	}
	delete(r.services[serviceName], addr)
	r.notify(serviceName)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(serviceName), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	r.mu.Lock()
	if r.watchers[serviceName] == nil {
		r.watchers[serviceName] = make(map[chan []ServiceInstance]struct{})
	}
	r.watchers[serviceName][ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers[serviceName], ch)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

// callers must hold mu
func (r *MemoryRegistry) notify(serviceName string) {
	list := r.list(serviceName)
	for ch := range r.watchers[serviceName] {
		offer(ch, list)
	}
}

// callers must hold mu
func (r *MemoryRegistry) list(serviceName string) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(r.services[serviceName]))
	for _, inst := range r.services[serviceName] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
