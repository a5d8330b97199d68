package loadbalance

import (
	"sync/atomic"

	"mrpc/invoker"
)

// RoundRobinRouter rotates the candidate order by one on every call.
// Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: stateless services where all instances have similar capacity.
type RoundRobinRouter struct {
	counter atomic.Uint64 // incremented on each Select
}

func (r *RoundRobinRouter) Select(candidates []*invoker.Invoker, _ CallContext) []*invoker.Invoker {
	return rotate(candidates, r.counter.Add(1)-1)
}

func (r *RoundRobinRouter) Name() string {
	return "RoundRobin"
}

// rotate returns a copy of in starting at n modulo its length.
func rotate[E any](in []E, n uint64) []E {
	if len(in) == 0 {
		return nil
	}
	start := int(n % uint64(len(in)))
	out := make([]E, 0, len(in))
	out = append(out, in[start:]...)
	return append(out, in[:start]...)
}
