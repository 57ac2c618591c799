package router

import "sync"

// RoundRobin cycles through the registered experts in registration order,
// wrapping around. Safe for concurrent use.
type RoundRobin struct {
	mu      sync.Mutex
	experts []string
	next    int
}

// NewRoundRobin builds a round-robin router over experts, in the given
// order. experts must be non-empty.
func NewRoundRobin(experts []string) *RoundRobin {
	return &RoundRobin{experts: cloneExperts(experts)}
}

func (r *RoundRobin) Route(_ string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.experts[r.next]
	r.next = (r.next + 1) % len(r.experts)
	return e
}
