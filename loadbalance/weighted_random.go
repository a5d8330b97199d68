package loadbalance

import (
	"math/rand"

	"mrpc/invoker"
)

// WeightedRandomRouter orders candidates by weighted random sampling without
// replacement: each position is drawn in proportion to weight among the
// endpoints not yet placed. Useful for heterogeneous instances.
type WeightedRandomRouter struct{}

func (r *WeightedRandomRouter) Select(candidates []*invoker.Invoker, _ CallContext) []*invoker.Invoker {
	return weightedOrder(candidates, rand.Intn)
}

func (r *WeightedRandomRouter) Name() string {
	return "WeightedRandom"
}

func weightedOrder[E Endpoint](in []E, intn func(int) int) []E {
	if len(in) == 0 {
		return nil
	}
	rest := make([]E, len(in))
	copy(rest, in)

	// 计算总权重
	total := 0
	for _, e := range rest {
		total += e.Weight()
	}

	out := make([]E, 0, len(in))
	for len(rest) > 0 {
		// 生成一个随机数，范围是0到剩余总权重
		x := intn(total)
		i := 0
		for ; i < len(rest)-1; i++ {
			x -= rest[i].Weight()
			if x < 0 {
				break
			}
		}
		total -= rest[i].Weight()
		out = append(out, rest[i])
		rest = append(rest[:i], rest[i+1:]...)
	}
	return out
}
