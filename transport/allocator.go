package transport

import (
	"math"
	"sync/atomic"
)

// DefaultIDLimit keeps request ids within the non-negative int64 range.
const DefaultIDLimit uint64 = math.MaxInt64

const maxAllocRetries = 1024

// Allocator hands out request ids for one connection.
//
// Ids come from an atomic counter over [1, limit]. Until the counter wraps
// every id is fresh, so no lookup is needed; after the first wrap each
// candidate is checked against the connection's pending set and skipped while
// a call still holds it.
type Allocator struct {
	counter atomic.Uint64
	limit   uint64
	inUse   func(id uint64) bool
}

// NewAllocator returns an allocator whose ids never exceed limit (zero selects
// DefaultIDLimit). inUse reports whether an id is held by a pending call.
func NewAllocator(limit uint64, inUse func(id uint64) bool) *Allocator {
	if limit == 0 {
		limit = DefaultIDLimit
	}
	return &Allocator{limit: limit, inUse: inUse}
}

// Next returns an id not held by any pending call on the connection.
// Safe for concurrent use.
func (a *Allocator) Next() (uint64, error) {
	for i := 0; i < maxAllocRetries; i++ {
		n := a.counter.Add(1)
		id := (n-1)%a.limit + 1
		if n <= a.limit || a.inUse == nil || !a.inUse(id) {
			return id, nil
		}
	}
	return 0, ErrIDSpaceExhausted
}
