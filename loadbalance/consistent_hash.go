package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"mrpc/invoker"
)

const defaultReplicas = 100

// ConsistentHashRouter orders endpoints by walking a hash ring clockwise from
// the call's key. The same key lands on the same endpoint first for as long as
// the candidate set does not change, and the next endpoints in the order are
// the ones that would own the key if the first went away.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without them, 3 instances might cluster together on the ring, causing uneven
// load distribution.
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
type ConsistentHashRouter struct {
	replicas int

	mu    sync.Mutex
	rings map[string]*hashRing // by candidate address set
}

// NewConsistentHashRouter creates a router with 100 virtual nodes per instance.
func NewConsistentHashRouter() *ConsistentHashRouter {
	return &ConsistentHashRouter{
		replicas: defaultReplicas,
		rings:    make(map[string]*hashRing),
	}
}

func (r *ConsistentHashRouter) Select(candidates []*invoker.Invoker, cc CallContext) []*invoker.Invoker {
	if len(candidates) == 0 {
		return nil
	}
	key := cc.Key
	if key == "" {
		key = cc.ServiceMethod
	}

	byAddr := make(map[string]*invoker.Invoker, len(candidates))
	addrs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := byAddr[c.Addr()]; !ok {
			byAddr[c.Addr()] = c
			addrs = append(addrs, c.Addr())
		}
	}

	out := make([]*invoker.Invoker, 0, len(addrs))
	for _, addr := range r.ring(addrs).walk(key, len(addrs)) {
		out = append(out, byAddr[addr])
	}
	return out
}

func (r *ConsistentHashRouter) Name() string {
	return "ConsistentHash"
}

// ring returns the ring for an address set, building it on first use. Only
// the most recent set is kept: a changed set means the old one is gone.
func (r *ConsistentHashRouter) ring(addrs []string) *hashRing {
	sorted := make([]string, len(addrs))
	copy(sorted, addrs)
	sort.Strings(sorted)
	id := strings.Join(sorted, ",")

	r.mu.Lock()
	defer r.mu.Unlock()
	if ring, ok := r.rings[id]; ok {
		return ring
	}
	ring := newHashRing(sorted, r.replicas)
	if len(r.rings) >= 16 {
		clear(r.rings)
	}
	r.rings[id] = ring
	return ring
}

// hashRing is immutable once built.
type hashRing struct {
	hashes []uint32          // sorted hash values on the ring
	nodes  map[uint32]string // hash value → address
}

// newHashRing places each address onto the ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func newHashRing(addrs []string, replicas int) *hashRing {
	h := &hashRing{
		hashes: make([]uint32, 0, len(addrs)*replicas),
		nodes:  make(map[uint32]string, len(addrs)*replicas),
	}
	for _, addr := range addrs {
		for i := 0; i < replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
			if _, taken := h.nodes[hash]; taken {
				continue
			}
			h.hashes = append(h.hashes, hash)
			h.nodes[hash] = addr
		}
	}
	sort.Slice(h.hashes, func(i, j int) bool { return h.hashes[i] < h.hashes[j] })
	return h
}

// walk returns up to n distinct addresses, starting from the first node at or
// after the key's hash and going clockwise.
func (h *hashRing) walk(key string, n int) []string {
	if len(h.hashes) == 0 {
		return nil
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(h.hashes), func(i int) bool {
		return h.hashes[i] >= hash
	})

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(h.hashes) && len(out) < n; i++ {
		// Wrap around: past the last node, continue from the first
		addr := h.nodes[h.hashes[(idx+i)%len(h.hashes)]]
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
