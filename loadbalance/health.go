package loadbalance

import "mrpc/invoker"

// HealthFilter drops DEAD endpoints. SUSPECT endpoints are dropped too while
// at least one HEALTHY endpoint remains, and kept as a last resort otherwise.
type HealthFilter struct{}

func (f *HealthFilter) Select(candidates []*invoker.Invoker, _ CallContext) []*invoker.Invoker {
	return filterHealth(candidates)
}

func (f *HealthFilter) Name() string {
	return "HealthFilter"
}

func filterHealth[E Endpoint](in []E) []E {
	healthy := 0
	for _, e := range in {
		if e.Health() == invoker.Healthy {
			healthy++
		}
	}

	out := make([]E, 0, len(in))
	for _, e := range in {
		switch e.Health() {
		case invoker.Healthy:
			out = append(out, e)
		case invoker.Suspect:
			if healthy == 0 {
				out = append(out, e)
			}
		}
	}
	return out
}
