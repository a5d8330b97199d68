// Package loadbalance decides, per call, which endpoints may serve it and in
// what order.
//
// A Router never picks a single endpoint. It returns an ordered sequence: the
// first element is where the call goes, the rest are where a caller doing
// failover should go next. Policies come in two flavours:
//   - filters drop endpoints (HealthFilter)
//   - orderings permute them (RoundRobin, WeightedRandom, ConsistentHash)
//
// Chain composes them; Default is HealthFilter then RoundRobin.
package loadbalance

import (
	"fmt"
	"strings"

	"mrpc/invoker"
)

// Endpoint is what routing decisions look at.
type Endpoint interface {
	Addr() string
	Weight() int
	Health() invoker.Health
}

var _ Endpoint = (*invoker.Invoker)(nil)

// CallContext carries the per-call inputs a policy may key on.
type CallContext struct {
	ServiceMethod string
	Key           string // affinity key for ConsistentHash; empty falls back to ServiceMethod
}

// Router selects the eligible endpoints for one call.
type Router interface {
	// Select returns the eligible candidates in preference order. It never
	// modifies candidates and may return an empty slice; it must be safe for
	// concurrent use.
	Select(candidates []*invoker.Invoker, cc CallContext) []*invoker.Invoker

	// Name returns the policy name (for logging/debugging).
	Name() string
}

// Chain applies routers in order, each one on the previous one's output.
func Chain(routers ...Router) Router {
	return chain(routers)
}

type chain []Router

func (c chain) Select(candidates []*invoker.Invoker, cc CallContext) []*invoker.Invoker {
	out := candidates
	for _, r := range c {
		if len(out) == 0 {
			return nil
		}
		out = r.Select(out, cc)
	}
	return out
}

func (c chain) Name() string {
	names := make([]string, len(c))
	for i, r := range c {
		names[i] = r.Name()
	}
	return strings.Join(names, "+")
}

// Default drops unusable endpoints and rotates over the rest.
func Default() Router {
	return Chain(&HealthFilter{}, &RoundRobinRouter{})
}

// New builds the router for a policy name as used in configuration. Every
// policy is preceded by a HealthFilter.
func New(policy string) (Router, error) {
	var order Router
	switch policy {
	case "", "round_robin":
		order = &RoundRobinRouter{}
	case "weighted_random":
		order = &WeightedRandomRouter{}
	case "consistent_hash":
		order = NewConsistentHashRouter()
	default:
		return nil, fmt.Errorf("unknown routing policy %q", policy)
	}
	return Chain(&HealthFilter{}, order), nil
}
